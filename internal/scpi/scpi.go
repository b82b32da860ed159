// Package scpi talks to the lab instruments over their TCP socket
// interface. It implements the instrument operations the power sequencer
// consumes; the command syntax targets the Agilent-style supplies and
// signal generators of the bring-up bench.
package scpi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hil-tools/dutctl/internal/model"
)

// settle is the wait after a voltage/current apply until the output has
// really moved.
const settle = 50 * time.Millisecond

// Conn is a line-oriented connection to one instrument. Commands and
// queries are newline-terminated ASCII; a Conn is safe for concurrent use
// but callers should serialize per instrument anyway (the sequencer does).
type Conn struct {
	mu sync.Mutex
	c  net.Conn
	r  *bufio.Reader
}

func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to instrument %s: %w", addr, err)
	}
	return &Conn{c: c, r: bufio.NewReader(c)}, nil
}

func (c *Conn) Close() error {
	return c.c.Close()
}

// Write sends one command without awaiting a response.
func (c *Conn) Write(ctx context.Context, format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(ctx, format, args...)
}

func (c *Conn) writeLocked(ctx context.Context, format string, args ...any) error {
	if d, ok := ctx.Deadline(); ok {
		_ = c.c.SetWriteDeadline(d)
	} else {
		_ = c.c.SetWriteDeadline(time.Time{})
	}
	if _, err := fmt.Fprintf(c.c, format+"\n", args...); err != nil {
		return fmt.Errorf("instrument write: %w", err)
	}
	return nil
}

// Query sends one command and reads back a single response line.
func (c *Conn) Query(ctx context.Context, format string, args ...any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeLocked(ctx, format, args...); err != nil {
		return "", err
	}
	if d, ok := ctx.Deadline(); ok {
		_ = c.c.SetReadDeadline(d)
	} else {
		_ = c.c.SetReadDeadline(time.Time{})
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("instrument read: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// PSU drives one power supply. Channel 0 addresses the unnumbered channel
// of a single-channel instrument.
type PSU struct {
	conn *Conn
}

func NewPSU(conn *Conn) *PSU {
	return &PSU{conn: conn}
}

func (p *PSU) Close() error { return p.conn.Close() }

func (p *PSU) Reset(ctx context.Context) error {
	return p.conn.Write(ctx, "*RST")
}

func (p *PSU) SetOpMode(ctx context.Context, mode string) error {
	return p.conn.Write(ctx, "OUTPUT:PAIR %s", mode)
}

func (p *PSU) SetGPIO(ctx context.Context, pin int, high bool) error {
	if pin <= 0 {
		return fmt.Errorf("invalid GPIO pin %d", pin)
	}
	if err := p.conn.Write(ctx, "DIGITAL:PIN%d:FUNCTION DIO", pin); err != nil {
		return err
	}
	if err := p.conn.Write(ctx, "DIGITAL:PIN%d:POLARITY POSITIVE", pin); err != nil {
		return err
	}
	val := 0
	if high {
		val = 1
	}
	return p.conn.Write(ctx, "DIGITAL:OUTPUT:DATA %d", val)
}

// ApplyChannel sets voltage, current limit and sense source. Output state
// is left alone.
func (p *PSU) ApplyChannel(ctx context.Context, ch int, cfg model.PsuChannel) error {
	var err error
	if ch == 0 {
		err = p.conn.Write(ctx, "APPLY %g, %g", cfg.Vol, cfg.Cur)
	} else {
		err = p.conn.Write(ctx, "APPLY CH%d, %g, %g", ch, cfg.Vol, cfg.Cur)
	}
	if err != nil {
		return err
	}
	// wait until the voltage is really set
	time.Sleep(settle)

	sense := "INTERNAL"
	if cfg.FourWire {
		sense = "EXTERNAL"
	}
	return p.conn.Write(ctx, "VOLTAGE:SENSE:SOURCE %s, (@%d)", sense, numbered(ch))
}

func (p *PSU) SetOutput(ctx context.Context, ch int, on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	return p.conn.Write(ctx, "OUTPUT:state %s,(@%d)", state, numbered(ch))
}

func (p *PSU) MeasureCurrent(ctx context.Context, ch int) (float64, error) {
	return p.measure(ctx, "CURR", ch)
}

func (p *PSU) MeasureVoltage(ctx context.Context, ch int) (float64, error) {
	return p.measure(ctx, "VOLT", ch)
}

func (p *PSU) measure(ctx context.Context, kind string, ch int) (float64, error) {
	resp, err := p.conn.Query(ctx, "MEASURE:SCALAR:%s:DC? (@%d)", kind, numbered(ch))
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing measurement response %q: %w", resp, err)
	}
	return val, nil
}

// Siggen drives one signal generator. Sources are numbered from 1.
type Siggen struct {
	conn *Conn
}

func NewSiggen(conn *Conn) *Siggen {
	return &Siggen{conn: conn}
}

func (g *Siggen) Close() error { return g.conn.Close() }

func (g *Siggen) Reset(ctx context.Context) error {
	return g.conn.Write(ctx, "*RST")
}

// ApplySource sets frequency, levels, shape and duty cycle. Output state
// is left alone.
func (g *Siggen) ApplySource(ctx context.Context, src int, cfg model.SiggenSource) error {
	if src <= 0 {
		return fmt.Errorf("invalid source %d", src)
	}
	if err := g.conn.Write(ctx, "SOURCE%d:FREQ %g", src, cfg.Freq); err != nil {
		return err
	}
	if err := g.conn.Write(ctx, "SOURCE%d:VOLT:HIGH %g", src, cfg.VHi); err != nil {
		return err
	}
	if err := g.conn.Write(ctx, "SOURCE%d:VOLT:LOW %g", src, cfg.VLo); err != nil {
		return err
	}
	if err := g.conn.Write(ctx, "SOURCE%d:FUNC %s", src, cfg.Shape); err != nil {
		return err
	}
	return g.conn.Write(ctx, "SOURCE%d:FUNC:%s:DCYC %g", src, cfg.Shape, cfg.Duty)
}

func (g *Siggen) SetOutput(ctx context.Context, src int, on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	return g.conn.Write(ctx, "OUTPUT%d %s", src, state)
}

func numbered(ch int) int {
	if ch == 0 {
		return 1
	}
	return ch
}
