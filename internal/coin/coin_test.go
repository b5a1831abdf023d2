package coin

import (
	"errors"
	"testing"

	"github.com/coinpool/capital-engine/internal/model"
)

func TestParse_Valid(t *testing.T) {
	r := MustRegistry(DefaultCoins...)

	tests := []struct {
		input string
		want  model.Coin
	}{
		{"btc", "btc"},
		{"BTC", "btc"},
		{"  Eth ", "eth"},
		{"doge", "doge"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := r.Parse(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParse_UnknownCoin(t *testing.T) {
	r := MustRegistry("btc", "eth")

	_, err := r.Parse("sol")
	if !errors.Is(err, ErrUnknownCoin) {
		t.Errorf("expected ErrUnknownCoin, got %v", err)
	}
}

func TestParse_InvalidSymbol(t *testing.T) {
	r := MustRegistry(DefaultCoins...)

	invalid := []string{"", "b", "btc-usd", "balances.btc", "$eth", "averyveryverylongcoin"}
	for _, in := range invalid {
		t.Run(in, func(t *testing.T) {
			_, err := r.Parse(in)
			if !errors.Is(err, ErrInvalidSymbol) {
				t.Errorf("Parse(%q): expected ErrInvalidSymbol, got %v", in, err)
			}
		})
	}
}

func TestNewRegistry_RejectsInvalid(t *testing.T) {
	if _, err := NewRegistry([]string{"btc", "not a coin"}); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol, got %v", err)
	}
	if _, err := NewRegistry(nil); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol for empty registry, got %v", err)
	}
}

func TestCoins_Sorted(t *testing.T) {
	r := MustRegistry("eth", "BTC", "ada")
	got := r.Coins()
	want := []model.Coin{"ada", "btc", "eth"}
	if len(got) != len(want) {
		t.Fatalf("expected %d coins, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Coins()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
