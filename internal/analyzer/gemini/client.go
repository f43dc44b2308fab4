// Package gemini calls the Gemini API through google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/JakeFAU/clipbrief/internal/clip"
)

// Config controls how clients are built.
type Config struct {
	// BaseURL overrides the API endpoint (tests, proxies).
	BaseURL    string
	HTTPClient *http.Client
}

// Client implements clip.Model. It keeps one genai client per API key.
type Client struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*genai.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, clients: make(map[string]*genai.Client)}
}

func (c *Client) clientFor(ctx context.Context, apiKey string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[apiKey]; ok {
		return cl, nil
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.cfg.HTTPClient,
	}
	if c.cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: c.cfg.BaseURL}
	}
	cl, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	c.clients[apiKey] = cl
	return cl, nil
}

// Generate sends the video, optional context and prompt as one user turn.
func (c *Client) Generate(ctx context.Context, req clip.GenerateRequest) (string, error) {
	if req.APIKey == "" {
		return "", clip.ErrNoCredentials
	}
	cl, err := c.clientFor(ctx, req.APIKey)
	if err != nil {
		return "", err
	}
	parts := []*genai.Part{genai.NewPartFromBytes(req.Video, req.MIMEType)}
	if req.ContextText != "" {
		parts = append(parts, genai.NewPartFromText(req.ContextText))
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))

	resp, err := cl.Models.GenerateContent(ctx, req.Model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil)
	if err != nil {
		return "", classify(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("analysis service returned no text")
	}
	return text, nil
}

// classify marks rate limiting and quota responses with clip.ErrQuotaExceeded.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED") {
		return fmt.Errorf("%w: %w", clip.ErrQuotaExceeded, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && (apiErrPtr.Code == http.StatusTooManyRequests || apiErrPtr.Status == "RESOURCE_EXHAUSTED") {
		return fmt.Errorf("%w: %w", clip.ErrQuotaExceeded, err)
	}
	return fmt.Errorf("gemini call failed: %w", err)
}
