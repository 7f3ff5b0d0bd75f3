package session

import (
	"context"

	"gemchat/internal/gemini"
)

// Stream is a pull iterator over response fragments; Next returns io.EOF at
// the end.
type Stream interface {
	Next() (string, error)
	Close() error
}

type Generator interface {
	StreamGenerateContent(ctx context.Context, model, apiKey string, req gemini.Request) (Stream, error)
	GenerateContent(ctx context.Context, model, apiKey string, req gemini.Request) (string, error)
}

type clientGenerator struct {
	client *gemini.Client
}

// FromClient adapts the HTTP client to a Generator.
func FromClient(c *gemini.Client) Generator {
	return clientGenerator{client: c}
}

func (g clientGenerator) StreamGenerateContent(ctx context.Context, model, apiKey string, req gemini.Request) (Stream, error) {
	d, err := g.client.StreamGenerateContent(ctx, model, apiKey, req)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (g clientGenerator) GenerateContent(ctx context.Context, model, apiKey string, req gemini.Request) (string, error) {
	return g.client.GenerateContent(ctx, model, apiKey, req)
}
