package vrs

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestDescriptionRecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "description.bin")
	file := NewDiskFile()
	if err := file.Create(path); err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	fileTags := map[string]string{"device": "rig-1", "operator": "test bench"}
	camera := StreamID{Type: RgbCameraRecordableClass, Instance: 1}
	imu := StreamID{Type: ImuRecordableClass, Instance: 1}
	order := []StreamID{camera, imu}
	tags := map[StreamID]*StreamTags{
		camera: {
			User: map[string]string{"serial": "RGB-1"},
			VRS:  map[string]string{FlavorTagName: "lab/colorcam", "RF:Data:1": "image/jpg"},
		},
		imu: {
			User: map[string]string{},
			VRS:  map[string]string{},
		},
	}
	size, err := writeDescriptionRecord(file, fileTags, order, tags)
	if err != nil {
		t.Fatal(err)
	}
	if int64(size) != file.GetTotalSize() {
		t.Errorf("record size %d != bytes written %d", size, file.GetTotalSize())
	}

	if err := file.SetPos(0); err != nil {
		t.Fatal(err)
	}
	var header FileHeader
	header.Init()
	gotFileTags, gotOrder, gotTags, gotSize, err := readDescriptionRecord(file, &header)
	if err != nil {
		t.Fatal(err)
	}
	if gotSize != size {
		t.Errorf("read size %d != written %d", gotSize, size)
	}
	if !reflect.DeepEqual(gotFileTags, fileTags) {
		t.Errorf("file tags = %v", gotFileTags)
	}
	if !reflect.DeepEqual(gotOrder, order) {
		t.Errorf("stream order = %v", gotOrder)
	}
	for id, want := range tags {
		got := gotTags[id]
		if got == nil || !reflect.DeepEqual(got.User, want.User) || !reflect.DeepEqual(got.VRS, want.VRS) {
			t.Errorf("stream %v tags = %+v, want %+v", id, got, want)
		}
	}
}

func TestDescriptionPayloadIsCanonical(t *testing.T) {
	tags := map[string]string{"b": "2", "a": "1", "c": "3"}
	first := encodeDescriptionPayload(tags, nil, nil)
	second := encodeDescriptionPayload(map[string]string{"c": "3", "a": "1", "b": "2"}, nil, nil)
	if string(first) != string(second) {
		t.Error("Equal maps must serialize to identical bytes")
	}
}

func TestStreamTagsRecordRoundTrip(t *testing.T) {
	tags := &StreamTags{
		User: map[string]string{"antenna": "roof"},
		VRS:  map[string]string{FlavorTagName: "gps/primary"},
	}
	restored, err := decodeStreamTags(encodeStreamTags(tags))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(restored.User, tags.User) || !reflect.DeepEqual(restored.VRS, tags.VRS) {
		t.Errorf("round trip = %+v", restored)
	}
}
