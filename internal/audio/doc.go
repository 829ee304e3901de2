// Package audio handles WAV source inspection and frame slicing.
// It validates RIFF/WAVE headers before a conversion starts, derives the media
// duration used by sink-based progress, and slices a finite byte source into
// fixed-size frames for the chunk sender.
package audio
