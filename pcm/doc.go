// Package pcm converts between floating-point capture samples and 16-bit linear PCM
// and provides the jitter buffer used to play back model audio at a fixed rate.
//
// Both directions are mono. Ingest audio is captured at InputSampleRate and egress
// audio is synthesized at OutputSampleRate; nothing in this package resamples.
package pcm
