//go:build linux

package systemd

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitState is the subset of unit properties the probe reports.
type UnitState struct {
	Unit        string
	Active      string // active, inactive, failed, etc.
	Sub         string // running, dead, etc.
	Load        string // loaded, not-found, etc.
	Description string
}

// Prober reads unit state over the system D-Bus. The connection is opened
// lazily and re-opened after an error.
type Prober struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func NewProber() *Prober { return &Prober{} }

// State returns the current state of unit.
func (p *Prober) State(ctx context.Context, unit string) (UnitState, error) {
	name := NormalizeUnit(unit)
	if name == "" {
		return UnitState{}, fmt.Errorf("systemd: unit name is empty")
	}

	conn, err := p.connect(ctx)
	if err != nil {
		// No bus (containers, non-systemd hosts): fall back to systemctl.
		active, aerr := IsActive(ctx, name)
		if aerr != nil {
			return UnitState{}, fmt.Errorf("systemd: %w (fallback: %v)", err, aerr)
		}
		st := UnitState{Unit: name, Active: "inactive"}
		if active {
			st.Active = "active"
		}
		return st, nil
	}

	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		p.reset()
		return UnitState{}, fmt.Errorf("systemd: get unit properties %s: %w", name, err)
	}
	return unitStateFromProps(name, props), nil
}

// Close releases the D-Bus connection.
func (p *Prober) Close() error {
	p.reset()
	return nil
}

func (p *Prober) connect(ctx context.Context) (*dbus.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	p.conn = conn
	return conn, nil
}

func (p *Prober) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
