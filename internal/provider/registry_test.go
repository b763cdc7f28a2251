package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/amishk599/harvester/internal/model"
)

type stubProvider struct{ id string }

func (s stubProvider) ID() string { return s.id }
func (s stubProvider) Generate(context.Context, GenerateRequest) (RawResponse, error) {
	return RawResponse{Provider: s.id}, nil
}
func (s stubProvider) ListModels(context.Context) ([]ModelDescriptor, error) { return nil, nil }
func (s stubProvider) Ping(context.Context) (Availability, error) {
	return Availability{Available: true}, nil
}

func chainIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Provider.ID()
	}
	return ids
}

func TestRegistryChain_AutoFollowsOrderAndSkipsMissing(t *testing.T) {
	r := NewRegistry([]string{"openai", "anthropic", "ollama"})
	r.Register(stubProvider{"ollama"}, Settings{Model: "llama3.1"})
	r.Register(stubProvider{"openai"}, Settings{Model: "gpt-4o-mini"})

	chain, err := r.Chain("")
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	got := chainIDs(chain)
	if len(got) != 2 || got[0] != "openai" || got[1] != "ollama" {
		t.Errorf("chain = %v, want [openai ollama]", got)
	}
	if chain[1].Settings.Model != "llama3.1" {
		t.Errorf("settings = %+v", chain[1].Settings)
	}
}

func TestRegistryChain_Explicit(t *testing.T) {
	r := NewRegistry([]string{"openai", "ollama"})
	r.Register(stubProvider{"openai"}, Settings{})
	r.Register(stubProvider{"ollama"}, Settings{})

	chain, err := r.Chain("ollama")
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if got := chainIDs(chain); len(got) != 1 || got[0] != "ollama" {
		t.Errorf("chain = %v, want [ollama]", got)
	}
}

func TestRegistryChain_UnknownExplicitIsConfigurationError(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Chain("ghost")
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want ConfigurationError", err)
	}
}

func TestRegistryChain_EmptyIsConfigurationError(t *testing.T) {
	r := NewRegistry([]string{"openai"})
	_, err := r.Chain("")
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want ConfigurationError", err)
	}
}

func TestRegistryIDs(t *testing.T) {
	r := NewRegistry([]string{"b", "a"})
	r.Register(stubProvider{"a"}, Settings{})
	r.Register(stubProvider{"z"}, Settings{})
	r.Register(stubProvider{"b"}, Settings{})
	r.Register(stubProvider{"c"}, Settings{})

	got := r.IDs()
	want := []string{"b", "a", "c", "z"}
	if len(got) != len(want) {
		t.Fatalf("IDs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("IDs = %v, want %v", got, want)
			break
		}
	}
}
