// Package audio describes the raw PCM framing streamed from clients to the speech services.
// It validates incoming linear16 frames and produces silence frames used as keep-alives.
package audio
