package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"github.com/stolink/imageworker/internal/provider"
)

// DefaultBaseURL is the public Gemini REST endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// maxErrorBody bounds how much of an error response is kept for the error message.
const maxErrorBody = 4 << 10

// Fetcher downloads the source image of an edit.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (provider.Artifact, error)
}

// Options configures an Editor.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Editor edits images with a Gemini image model through generateContent.
type Editor struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	fetcher    Fetcher
	logger     *slog.Logger
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type generateContentResponse struct {
	Candidates []candidate `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// NewEditor constructs an Editor. A nil HTTP client gets one with a 60s timeout.
func NewEditor(opts Options, fetcher Fetcher) *Editor {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Editor{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      opts.Model,
		httpClient: client,
		fetcher:    fetcher,
		logger:     logger,
	}
}

// Edit implements provider.ImageEditor. The derived prompt is sent when
// present, otherwise the raw instruction.
func (e *Editor) Edit(ctx context.Context, req provider.EditRequest) (provider.Artifact, error) {
	src, err := e.fetcher.Fetch(ctx, req.SourceURL)
	if err != nil {
		kind := provider.Permanent
		if perr, ok := provider.AsError(err); ok {
			kind = perr.Kind
		}
		return provider.Artifact{}, &provider.Error{Capability: provider.CapabilityImageEdit, Kind: kind, Op: "fetch source", Err: err}
	}

	instruction := req.Prompt
	if instruction == "" {
		instruction = req.Instruction
	}

	mimeType := src.ContentType
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = mimetype.Detect(src.Data).String()
	}

	body, err := json.Marshal(generateContentRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: instruction},
				{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(src.Data)}},
			},
		}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"IMAGE", "TEXT"}},
	})
	if err != nil {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityImageEdit, "encode request", err)
	}

	resp, err := e.generate(ctx, body)
	if err != nil {
		return provider.Artifact{}, err
	}

	for _, c := range resp.Candidates {
		for _, p := range c.Content.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				return toPNG(p.InlineData.Data)
			}
			if p.Text != "" {
				e.logger.Debug("gemini response text", "text", truncate(p.Text, 200))
			}
		}
	}
	return provider.Artifact{}, provider.NewPermanent(provider.CapabilityImageEdit, "generate content",
		errors.New("model returned no image, possibly blocked by content policy"))
}

func (e *Editor) generate(ctx context.Context, body []byte) (*generateContentResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", e.baseURL, e.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewPermanent(provider.CapabilityImageEdit, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", e.apiKey)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
			msg = er.Error.Message
		}
		return nil, &provider.Error{
			Capability: provider.CapabilityImageEdit,
			Kind:       provider.ClassifyHTTPStatus(resp.StatusCode),
			Op:         "generate content",
			Err:        fmt.Errorf("status %d: %s", resp.StatusCode, msg),
		}
	}

	var out generateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.NewTransient(provider.CapabilityImageEdit, "decode response", err)
	}
	return &out, nil
}

func classifyTransport(err error) error {
	if perr := provider.ClassifyContext(provider.CapabilityImageEdit, "generate content", err); perr != nil {
		return perr
	}
	// Connection resets, DNS failures and client timeouts.
	return provider.NewTransient(provider.CapabilityImageEdit, "generate content", err)
}

// toPNG normalizes the returned image to PNG.
func toPNG(b64 string) (provider.Artifact, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityImageEdit, "decode image", err)
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityImageEdit, "decode image", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityImageEdit, "encode png", err)
	}
	return provider.Artifact{Data: buf.Bytes(), ContentType: "image/png"}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
