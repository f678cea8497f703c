package retrieval

import (
	"context"
	"log/slog"
	"strings"
)

// PersonaSource assembles the texts embedded into user vectors.
// Implemented by persona.Store.
type PersonaSource interface {
	PersonalizedVectorInput(personaID string, orderIDs, eventIDs []string, baseText string) string
	ProfileVectorInput(userID, baseText string) (string, bool)
	SetPreferenceVector(userID string, vec []float32) bool
}

// VectorBuilder produces the product and user vectors consumed by search.
// Every method returns nil instead of an error: a missing vector only
// weakens the search mode.
type VectorBuilder struct {
	gateway  EmbeddingGateway
	personas PersonaSource
}

// NewVectorBuilder creates a VectorBuilder.
func NewVectorBuilder(gateway EmbeddingGateway, personas PersonaSource) *VectorBuilder {
	return &VectorBuilder{gateway: gateway, personas: personas}
}

// BuildProductVector embeds text, appending categories when given so the
// vector leans toward the resolved categories.
func (b *VectorBuilder) BuildProductVector(ctx context.Context, text string, categories []string) []float32 {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(categories) > 0 {
		text = text + " " + strings.Join(categories, " ")
	}
	return b.embed(ctx, text, "product")
}

// BuildUserVector embeds the persona's personalized input assembled from the
// selected orders and events.
func (b *VectorBuilder) BuildUserVector(ctx context.Context, personaID string, orderIDs, eventIDs []string) []float32 {
	if personaID == "" || b.personas == nil {
		return nil
	}
	text := b.personas.PersonalizedVectorInput(personaID, orderIDs, eventIDs, "")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return b.embed(ctx, text, "user")
}

// BuildProfileVector embeds userID's live profile and caches the result as
// the profile's preference vector.
func (b *VectorBuilder) BuildProfileVector(ctx context.Context, userID, baseText string) []float32 {
	if b.personas == nil {
		return nil
	}
	text, ok := b.personas.ProfileVectorInput(userID, baseText)
	if !ok || strings.TrimSpace(text) == "" {
		return nil
	}
	vec := b.embed(ctx, text, "profile")
	if vec != nil {
		b.personas.SetPreferenceVector(userID, vec)
	}
	return vec
}

func (b *VectorBuilder) embed(ctx context.Context, text, kind string) []float32 {
	vec, err := b.gateway.Embed(ctx, text)
	if err != nil {
		slog.Warn("retrieval: embedding failed", "vector", kind, "error", err)
		return nil
	}
	if len(vec) == 0 {
		return nil
	}
	return vec
}
