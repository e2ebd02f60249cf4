package util

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const runIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewRunID returns a sortable, filesystem-safe run identifier such as
// "20261014T093000-k3x9q2m1ab".
func NewRunID(now time.Time) (string, error) {
	suffix, err := gonanoid.Generate(runIDAlphabet, 10)
	if err != nil {
		return "", err
	}
	return now.UTC().Format("20060102T150405") + "-" + suffix, nil
}
