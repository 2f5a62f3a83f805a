//go:build !linux

package systemd

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("systemd: unsupported OS (linux only)")

type UnitState struct {
	Unit        string
	Active      string
	Sub         string
	Load        string
	Description string
}

type Prober struct{}

func NewProber() *Prober { return &Prober{} }

func (p *Prober) State(context.Context, string) (UnitState, error) {
	return UnitState{}, ErrUnsupported
}

func (p *Prober) Close() error { return nil }
