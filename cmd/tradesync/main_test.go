package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/tradesync/internal/config"
	"github.com/skalibog/tradesync/pkg/models"
)

func TestInitialFormKeepsRestoredFields(t *testing.T) {
	cfg := config.Default()
	cfg.Trading.Exchange = "Coinbase"

	_, ok := initialForm(cfg, models.OrderForm{Exchange: "Binance", Symbol: cfg.Trading.Symbols[1]})
	assert.False(t, ok)
}

func TestInitialFormFillsMissingFields(t *testing.T) {
	cfg := config.Default()
	cfg.Trading.Exchange = "Coinbase"

	patch, ok := initialForm(cfg, models.OrderForm{Symbol: "DOGE/USDT"})
	require.True(t, ok)
	require.NotNil(t, patch.Exchange)
	require.NotNil(t, patch.Symbol)
	assert.Equal(t, "Coinbase", *patch.Exchange)
	assert.Equal(t, cfg.Trading.Symbols[0], *patch.Symbol)

	patch, ok = initialForm(cfg, models.OrderForm{Exchange: "Binance", Symbol: "DOGE/USDT"})
	require.True(t, ok)
	assert.Nil(t, patch.Exchange)
	assert.NotNil(t, patch.Symbol)
}
