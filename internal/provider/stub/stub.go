// Package stub provides in-process providers for local runs and end-to-end
// tests. Failures are triggered by markers in the job text.
package stub

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/stolink/imageworker/internal/engine"
	"github.com/stolink/imageworker/internal/provider"
)

// Markers recognised in prompt text and edit instructions.
const (
	MarkerPermanent = "[fail-permanent]"
	MarkerTransient = "[fail-transient]"
)

// Providers is a full provider set backed by memory.
type Providers struct {
	// Delay is slept before every image call.
	Delay   time.Duration
	BaseURL string

	mu      sync.Mutex
	objects map[string]provider.Artifact
}

// New creates stub providers whose uploads resolve under baseURL.
func New(baseURL string, delay time.Duration) *Providers {
	return &Providers{
		Delay:   delay,
		BaseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]provider.Artifact),
	}
}

// Engine returns the set in the form the workflow engine takes.
func (p *Providers) Engine() engine.Providers {
	return engine.Providers{Prompt: p, Creator: p, Editor: p, Store: p}
}

func (p *Providers) Derive(_ context.Context, req provider.PromptRequest) (string, error) {
	return string(req.Purpose) + ": " + req.Text, nil
}

func (p *Providers) Create(ctx context.Context, prompt string) (provider.Artifact, error) {
	if err := p.wait(ctx, provider.CapabilityImageCreate, "create"); err != nil {
		return provider.Artifact{}, err
	}
	if err := fault(provider.CapabilityImageCreate, prompt); err != nil {
		return provider.Artifact{}, err
	}
	return solid(color.NRGBA{R: 40, G: 120, B: 200, A: 255})
}

func (p *Providers) Edit(ctx context.Context, req provider.EditRequest) (provider.Artifact, error) {
	if err := p.wait(ctx, provider.CapabilityImageEdit, "edit"); err != nil {
		return provider.Artifact{}, err
	}
	if err := fault(provider.CapabilityImageEdit, req.Instruction); err != nil {
		return provider.Artifact{}, err
	}
	return solid(color.NRGBA{R: 200, G: 80, B: 40, A: 255})
}

func (p *Providers) Put(_ context.Context, key string, a provider.Artifact) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[key] = a
	return p.BaseURL + "/" + key, nil
}

// Object returns a stored artifact by key.
func (p *Providers) Object(key string) (provider.Artifact, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.objects[key]
	return a, ok
}

// Len reports the number of stored artifacts.
func (p *Providers) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}

func (p *Providers) wait(ctx context.Context, c provider.Capability, op string) error {
	if p.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return provider.ClassifyContext(c, op, ctx.Err())
	}
}

func fault(c provider.Capability, text string) error {
	switch {
	case strings.Contains(text, MarkerPermanent):
		return provider.NewPermanent(c, "stub", errors.New("rejected by stub provider"))
	case strings.Contains(text, MarkerTransient):
		return provider.NewTransient(c, "stub", errors.New("stub provider unavailable"))
	}
	return nil
}

func solid(c color.NRGBA) (provider.Artifact, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(8, 8, c), imaging.PNG); err != nil {
		return provider.Artifact{}, err
	}
	return provider.Artifact{Data: buf.Bytes(), ContentType: "image/png"}, nil
}
