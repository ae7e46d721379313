package config

import (
	"errors"
	"testing"

	"github.com/talaria-ai/talaria/pkg/provider/llm"
	llmmock "github.com/talaria-ai/talaria/pkg/provider/llm/mock"
	"github.com/talaria-ai/talaria/pkg/provider/stt"
	sttmock "github.com/talaria-ai/talaria/pkg/provider/stt/mock"
)

func TestRegistry_CreateLLM(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("mock", func(_ ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	p, err := r.CreateLLM(ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p == nil {
		t.Fatal("CreateLLM returned nil provider")
	}
}

func TestRegistry_UnregisteredName(t *testing.T) {
	r := NewRegistry()

	_, err := r.CreateLLM(ProviderEntry{Name: "ghost"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
	_, err = r.CreateSTT(ProviderEntry{Name: "ghost"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
	_, err = r.CreateTTS(ProviderEntry{Name: "ghost"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
	_, err = r.CreateEmbeddings(ProviderEntry{Name: "ghost"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
	_, err = r.CreateVAD(ProviderEntry{Name: "ghost"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryReceivesEntry(t *testing.T) {
	r := NewRegistry()
	var got ProviderEntry
	r.RegisterSTT("mock", func(e ProviderEntry) (stt.Provider, error) {
		got = e
		return &sttmock.Provider{}, nil
	})

	entry := ProviderEntry{Name: "mock", Model: "nova-3", APIKey: "dg-key"}
	if _, err := r.CreateSTT(entry); err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if got.Model != "nova-3" || got.APIKey != "dg-key" {
		t.Errorf("factory received %+v, want %+v", got, entry)
	}
}

func TestRegistry_OverwriteRegistration(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("mock", func(_ ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("old factory")
	})
	r.RegisterLLM("mock", func(_ ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	if _, err := r.CreateLLM(ProviderEntry{Name: "mock"}); err != nil {
		t.Fatalf("CreateLLM should use the latest factory: %v", err)
	}
}
