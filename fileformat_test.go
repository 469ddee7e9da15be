package vrs

import (
	"testing"
)

func TestHeaderSizes(t *testing.T) {
	var fileHeader FileHeader
	fileHeader.Init()
	if got := len(encodeFileHeader(&fileHeader)); got != fileHeaderSize {
		t.Errorf("file header encodes to %d bytes, want %d", got, fileHeaderSize)
	}
	var recordHeader RecordHeader
	if got := len(encodeRecordHeader(&recordHeader)); got != recordHeaderSize {
		t.Errorf("record header encodes to %d bytes, want %d", got, recordHeaderSize)
	}
}

func TestFileHeaderRoundTrip(t *testing.T) {
	var header FileHeader
	header.Init()
	header.IndexRecordOffset = 12345
	header.DescriptionRecordOffset = fileHeaderSize
	header.FirstUserRecordOffset = 6789

	var decoded FileHeader
	if err := decodeFileHeader(encodeFileHeader(&header), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded != header {
		t.Errorf("decoded header differs: %+v vs %+v", decoded, header)
	}
	if !decoded.LooksLikeVRSFile() {
		t.Error("Decoded header fails the sanity check")
	}
	if !decoded.IsFormatSupported() {
		t.Error("Default version should be supported")
	}
}

func TestFileHeaderSanity(t *testing.T) {
	var header FileHeader
	header.Init()
	header.MagicHeader2++
	if header.LooksLikeVRSFile() {
		t.Error("Wrong magic should fail the check")
	}
	header.Init()
	header.FileHeaderSize = fileHeaderSize - 1
	if header.LooksLikeVRSFile() {
		t.Error("Shrunken header should fail the check")
	}
	header.Init()
	header.RecordHeaderSize = recordHeaderSize + maxHeaderGrowth + 1
	if header.LooksLikeVRSFile() {
		t.Error("Overgrown record header should fail the check")
	}
	header.Init()
	header.FileFormatVersion = fourCharCode('V', 'R', 'S', '9')
	if header.IsFormatSupported() {
		t.Error("Unknown version should be unsupported")
	}
}

func TestFormatVersionName(t *testing.T) {
	var header FileHeader
	header.Init()
	if name := header.FormatVersionName(); name != "VRS1" {
		t.Errorf("version name = %q, want VRS1", name)
	}
	header.EnableFrontIndexSupport()
	if name := header.FormatVersionName(); name != "VRS2" {
		t.Errorf("front-index version name = %q, want VRS2", name)
	}
}

func TestEndOfUserRecordsOffset(t *testing.T) {
	var header FileHeader
	header.Init()
	// Classic with no index yet: the file size.
	if got := header.EndOfUserRecordsOffset(1000); got != 1000 {
		t.Errorf("got %d, want 1000", got)
	}
	// Classic with a tail index.
	header.IndexRecordOffset = 800
	if got := header.EndOfUserRecordsOffset(1000); got != 800 {
		t.Errorf("got %d, want 800", got)
	}
	// Front index: the index precedes the user records.
	header.EnableFrontIndexSupport()
	header.IndexRecordOffset = 200
	header.FirstUserRecordOffset = 400
	if got := header.EndOfUserRecordsOffset(1000); got != 1000 {
		t.Errorf("front index: got %d, want 1000", got)
	}
	// Front-index version, but the index ended up past the records.
	header.IndexRecordOffset = 900
	if got := header.EndOfUserRecordsOffset(1000); got != 900 {
		t.Errorf("tail index: got %d, want 900", got)
	}
}

func TestRecordHeaderStreamID(t *testing.T) {
	header := RecordHeader{RecordableTypeID: int32(ImuRecordableClass), InstanceID: 3}
	want := StreamID{Type: ImuRecordableClass, Instance: 3}
	if header.StreamID() != want {
		t.Errorf("StreamID() = %v, want %v", header.StreamID(), want)
	}
}

func TestStreamIDStringRoundTrip(t *testing.T) {
	id := StreamID{Type: RgbCameraRecordableClass, Instance: 2}
	if id.String() != "214-2" {
		t.Errorf("String() = %q, want 214-2", id.String())
	}
	parsed, err := ParseStreamID("214-2")
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Errorf("parsed = %v, want %v", parsed, id)
	}
	if _, err := ParseStreamID("not-a-stream-id"); err == nil {
		t.Error("Expected malformed ids to be rejected")
	}
}

func TestRecordableClasses(t *testing.T) {
	if !RgbCameraRecordableClass.IsRecordableClass() {
		t.Error("camera classes are recordable classes")
	}
	if ImageStream.IsRecordableClass() {
		t.Error("concrete types are not recordable classes")
	}
	if !RecordableIndex.IsInternal() || !RecordableDescription.IsInternal() {
		t.Error("container streams are internal")
	}
	if TestDevices.IsInternal() {
		t.Error("test devices are not internal")
	}
}
