// Package calllog stores one detail record per finished call.
package calllog

import (
	"context"
	"time"
)

type Record struct {
	CallID          string    `json:"callId"`
	UserNumber      string    `json:"userNumber"`
	FromNumber      string    `json:"fromNumber"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
	DurationSeconds int       `json:"durationSeconds"`
	Turns           int       `json:"turns"`
	HangupCause     string    `json:"hangupCause"`
}

type Repository interface {
	Save(ctx context.Context, rec Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}
