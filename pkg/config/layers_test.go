package config

import "testing"

func TestDefaultLayers(t *testing.T) {
	layers := DefaultLayers()
	if len(layers) != 3 {
		t.Fatalf("expected 3 default layers, got %d", len(layers))
	}
	if layers[0].Name != "L0" || len(layers[0].TickOffsets) != 1 {
		t.Fatalf("unexpected L0 default: %+v", layers[0])
	}
}

func TestLoadLayersMissingFileFallsBackToDefaults(t *testing.T) {
	layers, err := LoadLayers("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("LoadLayers: %v", err)
	}
	if len(layers) != len(DefaultLayers()) {
		t.Fatalf("expected default layers, got %+v", layers)
	}
}

func TestLoadLayersAppliesPerLayerTickOverride(t *testing.T) {
	t.Setenv("DLE_TICKS_L1", "2,4,8")

	layers, err := LoadLayers("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("LoadLayers: %v", err)
	}
	var l1 *Layer
	for i := range layers {
		if layers[i].Name == "L1" {
			l1 = &layers[i]
		}
	}
	if l1 == nil {
		t.Fatalf("expected an L1 layer, got %+v", layers)
	}
	if len(l1.TickOffsets) != 3 || l1.TickOffsets[2] != 8 {
		t.Fatalf("expected override to replace L1 tick offsets, got %v", l1.TickOffsets)
	}

	for _, layer := range layers {
		if layer.Name == "L0" && (len(layer.TickOffsets) != 1 || layer.TickOffsets[0] != 1) {
			t.Fatalf("expected L0 to keep its default offsets, got %v", layer.TickOffsets)
		}
	}
}

func TestLoadLayersIgnoresMalformedOverride(t *testing.T) {
	t.Setenv("DLE_TICKS_L0", "not-a-number")

	layers, err := LoadLayers("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("LoadLayers: %v", err)
	}
	for _, layer := range layers {
		if layer.Name == "L0" && (len(layer.TickOffsets) != 1 || layer.TickOffsets[0] != 1) {
			t.Fatalf("expected malformed override to be ignored, got %v", layer.TickOffsets)
		}
	}
}
