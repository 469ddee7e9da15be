package vrs

import (
	"bytes"
	"path/filepath"
	"testing"
)

// frameHandler records the blocks delivered for camera records.
type frameHandler struct {
	DefaultBlockHandler
	exposures []float64
	images    [][]byte
	custom    [][]byte
}

func (h *frameHandler) OnDataLayoutRead(_ *CurrentRecord, _ int, layout *DataLayout) bool {
	if exposure, err := layout.Float64("exposure"); err == nil {
		h.exposures = append(h.exposures, exposure)
	}
	return true
}

func (h *frameHandler) OnImageRead(_ *CurrentRecord, _ int, _ ContentBlock, data []byte) bool {
	h.images = append(h.images, append([]byte(nil), data...))
	return true
}

func (h *frameHandler) OnCustomBlockRead(_ *CurrentRecord, _ int, _ ContentBlock, data []byte) bool {
	h.custom = append(h.custom, append([]byte(nil), data...))
	return true
}

func TestRecordFormatDispatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formats.vrs")

	layout, err := NewDataLayout(
		DataPiece{Name: "exposure", Type: "float64"},
		DataPiece{Name: "camera_serial", Type: "string"},
	)
	if err != nil {
		t.Fatal(err)
	}

	writer := NewRecordFileWriter()
	camera := NewFlavoredRecordable(RgbCameraRecordableClass, "lab/colorcam")
	format := NewRecordFormat(
		NewDataLayoutBlock(),
		NewImageBlock(NewRawImageSpec(PixelFormatGrey8, 8, 4)),
	)
	if err := camera.AddRecordFormat(RecordTypeData, 1, format, layout); err != nil {
		t.Fatal(err)
	}
	if err := writer.AddRecordable(camera); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}

	pixels := bytes.Repeat([]byte{0x11}, 8*4)
	for i := 0; i < 3; i++ {
		capture, err := NewDataLayout(
			DataPiece{Name: "exposure", Type: "float64"},
			DataPiece{Name: "camera_serial", Type: "string"},
		)
		if err != nil {
			t.Fatal(err)
		}
		capture.SetFloat64("exposure", 0.01*float64(i+1))
		capture.SetString("camera_serial", "RGB-1")
		camera.CreateRecord(float64(i), RecordTypeData, 1, NewDataSourceWithLayout(capture, pixels))
	}
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	// The persisted format resolves, and its layout block resolves to a
	// non-nil layout.
	persisted, ok := reader.GetRecordFormat(camera.StreamID(), RecordTypeData, 1)
	if !ok {
		t.Fatal("Record format missing from stream tags")
	}
	for i := 0; i < persisted.UsedBlockCount(); i++ {
		block := persisted.Block(i)
		if block.Type() == ContentTypeDataLayout {
			if reader.GetDataLayout(camera.StreamID(), RecordTypeData, 1, i) == nil {
				t.Errorf("data_layout block %d has no layout", i)
			}
		}
	}

	handler := &frameHandler{}
	reader.SetStreamPlayer(camera.StreamID(), NewRecordFormatStreamPlayer(handler))
	if err := reader.ReadAllRecords(); err != nil {
		t.Fatal(err)
	}
	if len(handler.exposures) != 3 {
		t.Fatalf("Got %d layout callbacks, want 3", len(handler.exposures))
	}
	for i, exposure := range handler.exposures {
		want := 0.01 * float64(i+1)
		if exposure != want {
			t.Errorf("exposure %d = %v, want %v", i, exposure, want)
		}
	}
	if len(handler.images) != 3 {
		t.Fatalf("Got %d image callbacks, want 3", len(handler.images))
	}
	for i, image := range handler.images {
		if !bytes.Equal(image, pixels) {
			t.Errorf("image %d bytes differ", i)
		}
	}
}

func TestUnknownFormatFallsBackToUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unformatted.vrs")
	writer := NewRecordFileWriter()
	stream := NewRecordable(TestDevices)
	if err := writer.AddRecordable(stream); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}
	stream.CreateRecord(0, RecordTypeData, 9, NewDataSource([]byte("opaque bytes")))
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	var unsupported [][]byte
	handler := &unsupportedCollector{sink: &unsupported}
	reader.SetStreamPlayer(stream.StreamID(), NewRecordFormatStreamPlayer(handler))
	if err := reader.ReadAllRecords(); err != nil {
		t.Fatal(err)
	}
	if len(unsupported) != 1 || string(unsupported[0]) != "opaque bytes" {
		t.Errorf("unsupported callbacks = %q", unsupported)
	}
}

type unsupportedCollector struct {
	DefaultBlockHandler
	sink *[][]byte
}

func (h *unsupportedCollector) OnUnsupportedBlock(_ *CurrentRecord, _ int, _ ContentBlock, data []byte) bool {
	*h.sink = append(*h.sink, append([]byte(nil), data...))
	return true
}

func TestStreamPlayerCanDeclineRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decline.vrs")
	writeTwoStreamFile(t, path)

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	decliner := &decliningPlayer{}
	for _, id := range reader.Streams() {
		reader.SetStreamPlayer(id, decliner)
	}
	if err := reader.ReadAllRecords(); err != nil {
		t.Fatal(err)
	}
	if decliner.headers != 5 {
		t.Errorf("saw %d headers, want 5", decliner.headers)
	}
	if decliner.payloads != 0 {
		t.Errorf("declined records still delivered %d payloads", decliner.payloads)
	}
}

type decliningPlayer struct {
	headers  int
	payloads int
}

func (p *decliningPlayer) ProcessRecordHeader(*CurrentRecord, *DataReference) bool {
	p.headers++
	return false
}

func (p *decliningPlayer) ProcessRecord(*CurrentRecord, []byte) { p.payloads++ }
