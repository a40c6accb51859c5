// envelope.go implements the liquidity envelope (spec §4.3.1's per-layer
// weights, supplemented per SPEC_FULL §3's "Liquidity envelope" from
// packages/exec/liquidity_envelope_manager.py / packages/utils/
// liquidity_envelope.go): the static {L0,L1,L2} tick-offset/weight table,
// scaled at plan time by the adaptive spread factor.
package dle

import "trading-core/pkg/config"

// Envelope holds the static per-layer shape loaded from configs/layers.yaml.
type Envelope struct {
	layers []config.Layer
}

// NewEnvelope builds an Envelope from the loaded layer table.
func NewEnvelope(layers []config.Layer) *Envelope {
	if len(layers) == 0 {
		layers = config.DefaultLayers()
	}
	return &Envelope{layers: layers}
}

// Layers returns the static layer table.
func (e *Envelope) Layers() []config.Layer { return e.layers }

// ScaledOffsets returns layer's tick offsets scaled by spreadFactor (≥1
// under stress, per spec §4.3.2).
func (e *Envelope) ScaledOffsets(layer config.Layer, spreadFactor float64) []float64 {
	out := make([]float64, len(layer.TickOffsets))
	for i, t := range layer.TickOffsets {
		out[i] = float64(t) * spreadFactor
	}
	return out
}
