package model

// TestID is the short fixed code naming one checklist item (e.g. "T01").
type TestID string

// The full checklist for one device. T08 was retired from the checklist;
// the gap in numbering is intentional.
const (
	TestFirmwareUpload  TestID = "T01"
	TestCM5LED          TestID = "T02"
	TestRGBLEDVisual    TestID = "T03"
	TestEInkRefresh     TestID = "T04"
	TestUIAppears       TestID = "T05"
	TestButtonResponse  TestID = "T06"
	TestVoiceTranscribe TestID = "T07"
	TestUSBMicroPython  TestID = "T09"
	TestUSBHub          TestID = "T10"
	TestUSBMedia        TestID = "T11"
	TestRGBLEDRemote    TestID = "T12"
	TestSDCard          TestID = "T13"
	TestCamera          TestID = "T14"
)

// CatalogOrder lists every test identifier in checklist order. It is fixed
// at process start and defines the universe of identifiers used everywhere
// else (ledger keys, report columns, selection sets).
var CatalogOrder = []TestID{
	TestFirmwareUpload,
	TestCM5LED,
	TestRGBLEDVisual,
	TestEInkRefresh,
	TestUIAppears,
	TestButtonResponse,
	TestVoiceTranscribe,
	TestUSBMicroPython,
	TestUSBHub,
	TestUSBMedia,
	TestRGBLEDRemote,
	TestSDCard,
	TestCamera,
}

// Catalog maps each test identifier to its human-readable name.
var Catalog = map[TestID]string{
	TestFirmwareUpload:  "Firmware Upload",
	TestCM5LED:          "CM5 LED Visual Check",
	TestRGBLEDVisual:    "RGB LED Visual Check",
	TestEInkRefresh:     "E-ink Display Refresh",
	TestUIAppears:       "UI Appears",
	TestButtonResponse:  "Button Response",
	TestVoiceTranscribe: "Voice Transcribed",
	TestUSBMicroPython:  "USB MicroPython Detection",
	TestUSBHub:          "USB Hub Detection",
	TestUSBMedia:        "USB Media Detection",
	TestRGBLEDRemote:    "RGB LED SSH Test",
	TestSDCard:          "SD Card Detection",
	TestCamera:          "Camera Detection",
}

// TestName returns the human-readable name for id, or the id itself when it
// is not part of the catalog.
func TestName(id TestID) string {
	if name, ok := Catalog[id]; ok {
		return name
	}
	return string(id)
}

// Selection is the set of test identifiers chosen by the operator for one
// session. It is immutable once a session starts; a restart re-runs the
// selection step and derives a fresh set.
type Selection map[TestID]bool

// AllTests returns a selection covering the entire catalog.
func AllTests() Selection {
	sel := make(Selection, len(CatalogOrder))
	for _, id := range CatalogOrder {
		sel[id] = true
	}
	return sel
}

// ContainsAny reports whether any of the given ids is selected.
func (s Selection) ContainsAny(ids ...TestID) bool {
	for _, id := range ids {
		if s[id] {
			return true
		}
	}
	return false
}
