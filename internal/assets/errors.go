package assets

import (
	"errors"
	"fmt"
)

var (
	ErrEmptySource = errors.New("asset source is empty")
	ErrCacheClosed = errors.New("asset cache is closed")
	ErrTooLarge    = errors.New("asset exceeds size limit")

	ErrTooManyPixels = errors.New("image dimensions exceed pixel limit")
)

// FetchError is recorded when downloading an asset fails.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("failed to fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("failed to fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DecodeError is recorded when bytes cannot be turned into an image.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
