package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "pretender.json")

	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"rom": {"base": 0, "size": 65536, "file": "firmware.bin"},
		"ram": {"base": 536870912, "size": 131072},
		"mmio": {"base": 1073741824, "size": 1048576},
		"serial": [
			{"name": "usart1", "status_addr": 1073761792, "data_addr": 1073761796}
		],
		"model_file": "model.bin",
		"trace_path": "trace.log"
	}`)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if m.ModelFile != "model.bin" {
		t.Errorf("ModelFile: want model.bin, got %s", m.ModelFile)
	}

	if len(m.Serial) != 1 || m.Serial[0].Name != "usart1" {
		t.Errorf("Serial: want one port named usart1, got %+v", m.Serial)
	}

	if !m.MMIO.Contains(m.Serial[0].StatusAddr) {
		t.Errorf("MMIO.Contains(status_addr): want true")
	}
}

func TestLoadRejectsSerialPortOutsideMMIO(t *testing.T) {
	path := writeConfig(t, `{
		"mmio": {"base": 1073741824, "size": 4096},
		"serial": [
			{"name": "usart1", "status_addr": 1, "data_addr": 2}
		]
	}`)

	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for serial port outside mmio region, got nil")
	}
}

func TestLoadRejectsZeroSizeMMIO(t *testing.T) {
	path := writeConfig(t, `{"mmio": {"base": 0, "size": 0}}`)

	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for zero-size mmio region, got nil")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("Load: want error for missing file, got nil")
	}
}
