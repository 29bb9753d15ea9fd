package bluetooth

import (
	"encoding/json"
	"testing"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{"canonical", "AA:BB:CC:DD:EE:FF", "AA:BB:CC:DD:EE:FF", false},
		{"lower case", "aa:bb:cc:0d:ee:01", "AA:BB:CC:0D:EE:01", false},
		{"dashes", "00-1a-7d-da-71-13", "00:1A:7D:DA:71:13", false},
		{"empty", "", "", true},
		{"too short", "AA:BB:CC:DD:EE", "", true},
		{"eui-64", "AA:BB:CC:DD:EE:FF:00:11", "", true},
		{"not hex", "GG:BB:CC:DD:EE:FF", "", true},
		{"name", "pump", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q, got %s", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestParseAddressIsLittleEndian(t *testing.T) {
	mac, err := parseAddress("01:02:03:04:05:06")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if mac[0] != 0x06 || mac[5] != 0x01 {
		t.Errorf("Expected reversed byte order, got % x", mac[:])
	}
}

func TestDeviceJSON(t *testing.T) {
	d := Device{Address: "AA:BB:CC:DD:EE:FF", Name: "t:slim X2", Type: DeviceTypeLE}

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	expected := `{"address":"AA:BB:CC:DD:EE:FF","name":"t:slim X2","type":"LE"}`
	if string(data) != expected {
		t.Errorf("Expected %s, got %s", expected, data)
	}
}

func TestDeviceString(t *testing.T) {
	if s := (Device{Address: "AA:BB:CC:DD:EE:FF"}).String(); s != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Expected bare address, got %s", s)
	}
	if s := (Device{Address: "AA:BB:CC:DD:EE:FF", Name: "pump"}).String(); s != "pump (AA:BB:CC:DD:EE:FF)" {
		t.Errorf("Expected name and address, got %s", s)
	}
}

func TestClassifyDevice(t *testing.T) {
	tests := []struct {
		classic, le bool
		expected    DeviceType
	}{
		{false, false, DeviceTypeUnknown},
		{true, false, DeviceTypeClassic},
		{false, true, DeviceTypeLE},
		{true, true, DeviceTypeDual},
	}
	for _, tt := range tests {
		if got := classifyDevice(tt.classic, tt.le); got != tt.expected {
			t.Errorf("classifyDevice(%v, %v): expected %s, got %s", tt.classic, tt.le, tt.expected, got)
		}
	}
}
