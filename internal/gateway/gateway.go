// Package gateway implements the MMIO gateway (C7): it routes every
// emulator memory access to the peripheral model owning that address,
// instantiates lazy storage for addresses outside every trained cluster,
// and delegates configured virtual serial port addresses to an external
// serial adapter rather than the peripheral engine.
//
// Grounded on the reference implementation's PretenderModel.read/write
// dispatch (pretender/model.py) and on the teacher's MMIO controller
// (internal/vm/io.go, a map[Word]any keyed by address with a catch-all
// ErrNoDevice path), adapted so that, per §7, no model-level failure
// (including a panic) may ever escape to the emulator.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pretender/pretender/internal/interrupter"
	"github.com/go-pretender/pretender/internal/log"
	"github.com/go-pretender/pretender/internal/peripheral"
	"github.com/go-pretender/pretender/internal/regmodel"
)

// SerialPort is the external adapter a virtual serial port address
// delegates to, instead of the peripheral engine. internal/serial
// implements it for a real UART passthrough or a raw-mode console.
type SerialPort interface {
	Read(addr uint32) uint32
	Write(addr uint32, value uint32) bool
}

// Gateway dispatches MMIO accesses by address. It owns every trained
// peripheral.Model, lazily-instantiated Storage fallbacks for addresses
// never covered by a cluster, and any registered SerialPort delegations.
type Gateway struct {
	mu sync.Mutex

	models    []*peripheral.Model
	byAddr    map[uint32]*peripheral.Model
	ports     map[uint32]SerialPort
	lazy      map[uint32]*regmodel.Storage
	logger    *log.Logger
	startTime time.Time
}

// New creates a Gateway over a trained model set. Every address in
// models[i].Addresses is routed to models[i]; addresses outside every
// model fall back to lazy Storage(0).
func New(models []*peripheral.Model) *Gateway {
	return NewWithLogger(models, log.DefaultLogger())
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(models []*peripheral.Model, logger *log.Logger) *Gateway {
	g := &Gateway{
		models:    models,
		byAddr:    map[uint32]*peripheral.Model{},
		ports:     map[uint32]SerialPort{},
		lazy:      map[uint32]*regmodel.Storage{},
		logger:    logger,
		startTime: time.Now(),
	}

	for _, m := range models {
		for _, a := range m.Addresses {
			g.byAddr[a] = m
		}
	}

	return g
}

// RegisterSerialPort binds the word addresses addr, addr+4, ... below
// addr+span to port, overriding any peripheral model or lazy
// storage that would otherwise own it. Grounded on the reference
// model's NucleoUSART wiring at fixed addresses in model.py.
func (g *Gateway) RegisterSerialPort(addr uint32, span uint32, port SerialPort) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for a := addr; a < addr+span; a += 4 {
		g.ports[a] = port
	}
}

// Read answers an emulator MMIO read. It never panics: any failure
// escaping the owning model is caught, logged, and coerced to 0.
func (g *Gateway) Read(addr, size uint32) (result uint32) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gateway: model panicked on read, returning 0",
				log.Any("addr", addr), log.Any("size", size), log.Any("recover", fmt.Sprint(r)))

			result = 0
		}
	}()

	g.mu.Lock()

	if port, ok := g.ports[addr]; ok {
		g.mu.Unlock()
		return port.Read(addr)
	}

	if m, ok := g.byAddr[addr]; ok {
		now := g.elapsed()
		g.mu.Unlock()

		return m.Read(addr, now)
	}

	lazy := g.lazyStorage(addr)
	g.mu.Unlock()

	return lazy.Read(0)
}

// Write answers an emulator MMIO write, returning whether the write was
// absorbed by a known model (true) or fell back to lazy storage (also
// true -- lazy storage always accepts). It never panics.
func (g *Gateway) Write(addr, size, value uint32) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gateway: model panicked on write, treating as accepted",
				log.Any("addr", addr), log.Any("size", size), log.Any("value", value), log.Any("recover", fmt.Sprint(r)))

			ok = true
		}
	}()

	g.mu.Lock()

	if port, ok := g.ports[addr]; ok {
		g.mu.Unlock()
		return port.Write(addr, value)
	}

	if m, ok := g.byAddr[addr]; ok {
		g.mu.Unlock()

		if m.Write(addr, value) {
			return true
		}

		g.logger.Warn("gateway: write to known peripheral but unseen address, falling back to storage",
			log.Any("addr", addr), log.Any("value", value))

		g.mu.Lock()
		lazy := g.lazyStorage(addr)
		g.mu.Unlock()

		return lazy.Write(value)
	}

	lazy := g.lazyStorage(addr)
	g.mu.Unlock()

	return lazy.Write(value)
}

// lazyStorage returns the Storage(0) fallback model for addr, creating it
// on first access. Callers must hold g.mu.
func (g *Gateway) lazyStorage(addr uint32) *regmodel.Storage {
	s, ok := g.lazy[addr]
	if !ok {
		s = &regmodel.Storage{}
		g.lazy[addr] = s

		g.logger.Debug("gateway: lazily instantiating Storage(0) for uncovered address", log.Any("addr", addr))
	}

	return s
}

// SendInterruptsTo binds every peripheral's Interrupter to host and
// starts its firing loop, per the Peripheral API's send_interrupts_to.
// Peripherals with no associated IRQ are unaffected.
func (g *Gateway) SendInterruptsTo(ctx context.Context, host interrupter.Host) {
	for _, m := range g.models {
		m.SendInterruptsTo(ctx, host)
	}
}

// Shutdown tears down every peripheral, cascading to every owned
// Interrupter, per §5's teardown requirement.
func (g *Gateway) Shutdown() {
	for _, m := range g.models {
		m.Shutdown()
	}
}

// elapsed returns the number of seconds since the Gateway was created,
// the replay-time analog of a training log's timestamp column. Callers
// must hold g.mu.
func (g *Gateway) elapsed() float64 {
	return time.Since(g.startTime).Seconds()
}
