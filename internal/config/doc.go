// Package config provides configuration loading and validation for the WAV
// stream converter. A YAML file is layered over Default, then the PORT,
// FFMPEG_PATH and BUFFER_SIZE environment variables are applied, and every
// section is validated.
package config
