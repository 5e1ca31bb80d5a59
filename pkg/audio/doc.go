// Package audio prepares captured command audio for the transcription and
// generation backends: 16-bit PCM is downmixed, resampled to 16 kHz mono
// and wrapped in a WAV container.
package audio
