// Package vrs implements a container file format for multi-stream sensor
// recordings: many producers (cameras, IMUs, audio, computed results) emit
// timestamped records into a single file, which is later replayed in strict
// timestamp order by per-stream handlers.
package vrs

import (
	"fmt"
	"strconv"
	"strings"
)

// RecordableTypeID identifies the type of device or algorithm producing a
// stream. Values are persisted in files and must never change.
type RecordableTypeID uint16

const (
	// Internal streams, not exposed in a reader's index.
	RecordableIndex       RecordableTypeID = 1
	RecordableDescription RecordableTypeID = 2

	// Concrete device types.
	ImageStream      RecordableTypeID = 100
	AudioStream      RecordableTypeID = 101
	AnnotationStream RecordableTypeID = 102
	ArchiveStream    RecordableTypeID = 103

	// Recordable classes: shared type ids disambiguated by a "flavor" tag.
	ForwardCameraRecordableClass   RecordableTypeID = 200
	UpwardCameraRecordableClass    RecordableTypeID = 201
	DownwardCameraRecordableClass  RecordableTypeID = 202
	BackwardCameraRecordableClass  RecordableTypeID = 203
	SidewardCameraRecordableClass  RecordableTypeID = 204
	OutwardCameraRecordableClass   RecordableTypeID = 205
	InwardCameraRecordableClass    RecordableTypeID = 206
	InsideOutCameraRecordableClass RecordableTypeID = 207
	OutsideInCameraRecordableClass RecordableTypeID = 208
	DepthCameraRecordableClass     RecordableTypeID = 209
	IRCameraRecordableClass        RecordableTypeID = 210
	EyeCameraRecordableClass       RecordableTypeID = 211
	RgbCameraRecordableClass       RecordableTypeID = 214

	MonoAudioRecordableClass    RecordableTypeID = 230
	StereoAudioRecordableClass  RecordableTypeID = 231
	AmbientAudioRecordableClass RecordableTypeID = 232

	SensorRecordableClass        RecordableTypeID = 240
	ImuRecordableClass           RecordableTypeID = 241
	AccelerometerRecordableClass RecordableTypeID = 242
	MagnetometerRecordableClass  RecordableTypeID = 243
	GyroscopeRecordableClass     RecordableTypeID = 244
	LidarRecordableClass         RecordableTypeID = 245
	TemperatureRecordableClass   RecordableTypeID = 246
	BarometerRecordableClass     RecordableTypeID = 247

	CalibrationRecordableClass RecordableTypeID = 260
	AlignmentRecordableClass   RecordableTypeID = 261
	DiagnosticRecordableClass  RecordableTypeID = 263
	PerformanceRecordableClass RecordableTypeID = 264

	SyncRecordableClass            RecordableTypeID = 280
	GpsRecordableClass             RecordableTypeID = 281
	WifiBeaconRecordableClass      RecordableTypeID = 282
	BluetoothBeaconRecordableClass RecordableTypeID = 283
	TimeRecordableClass            RecordableTypeID = 285

	InputRecordableClass      RecordableTypeID = 300
	TextInputRecordableClass  RecordableTypeID = 301
	MouseRecordableClass      RecordableTypeID = 302
	TouchInputRecordableClass RecordableTypeID = 303
	ControllerRecordableClass RecordableTypeID = 305

	EventRecordableClass   RecordableTypeID = 320
	CommandRecordableClass RecordableTypeID = 321

	// TestDevices is reserved for unit tests and sample code.
	TestDevices RecordableTypeID = 998

	RecordableUndefined RecordableTypeID = 0xffff
)

// recordableTypeNames is the configuration table mapping type ids to
// human-readable names, loaded once at package initialization.
var recordableTypeNames = map[RecordableTypeID]string{
	RecordableIndex:                "VRS Index",
	RecordableDescription:          "VRS Description",
	ImageStream:                    "Image Stream",
	AudioStream:                    "Audio Stream",
	AnnotationStream:               "Annotation Stream",
	ArchiveStream:                  "Archive Stream",
	ForwardCameraRecordableClass:   "Forward Camera Class",
	UpwardCameraRecordableClass:    "Upward Camera Class",
	DownwardCameraRecordableClass:  "Downward Camera Class",
	BackwardCameraRecordableClass:  "Backward Camera Class",
	SidewardCameraRecordableClass:  "Sideward Camera Class",
	OutwardCameraRecordableClass:   "Outward Camera Class",
	InwardCameraRecordableClass:    "Inward Camera Class",
	InsideOutCameraRecordableClass: "Inside Out Camera Class",
	OutsideInCameraRecordableClass: "Outside In Camera Class",
	DepthCameraRecordableClass:     "Depth Camera Class",
	IRCameraRecordableClass:        "IR Camera Class",
	EyeCameraRecordableClass:       "Eye Camera Class",
	RgbCameraRecordableClass:       "RGB Camera Class",
	MonoAudioRecordableClass:       "Mono Audio Class",
	StereoAudioRecordableClass:     "Stereo Audio Class",
	AmbientAudioRecordableClass:    "Ambient Audio Class",
	SensorRecordableClass:          "Sensor Class",
	ImuRecordableClass:             "IMU Class",
	AccelerometerRecordableClass:   "Accelerometer Class",
	MagnetometerRecordableClass:    "Magnetometer Class",
	GyroscopeRecordableClass:       "Gyroscope Class",
	LidarRecordableClass:           "Lidar Class",
	TemperatureRecordableClass:     "Temperature Class",
	BarometerRecordableClass:       "Barometer Class",
	CalibrationRecordableClass:     "Calibration Class",
	AlignmentRecordableClass:       "Alignment Class",
	DiagnosticRecordableClass:      "Diagnostic Class",
	PerformanceRecordableClass:     "Performance Class",
	SyncRecordableClass:            "Sync Class",
	GpsRecordableClass:             "GPS Class",
	WifiBeaconRecordableClass:      "Wifi Beacon Class",
	BluetoothBeaconRecordableClass: "Bluetooth Beacon Class",
	TimeRecordableClass:            "Time Class",
	InputRecordableClass:           "Input Class",
	TextInputRecordableClass:       "Text Input Class",
	MouseRecordableClass:           "Mouse Class",
	TouchInputRecordableClass:      "Touch Input Class",
	ControllerRecordableClass:      "Controller Class",
	EventRecordableClass:           "Event Class",
	CommandRecordableClass:         "Command Class",
	TestDevices:                    "Test Devices",
	RecordableUndefined:            "Undefined",
}

// Name returns the human-readable name of the recordable type.
func (t RecordableTypeID) Name() string {
	if name, ok := recordableTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown type %d", uint16(t))
}

// IsRecordableClass tells whether the type id is a generic recordable
// class, meant to be paired with a flavor describing the actual producer.
const (
	firstRecordableClassID RecordableTypeID = 200
	lastRecordableClassID  RecordableTypeID = 997
)

func (t RecordableTypeID) IsRecordableClass() bool {
	return t >= firstRecordableClassID && t <= lastRecordableClassID
}

// IsInternal tells whether the type id belongs to the container itself
// (index and description pseudo-streams).
func (t RecordableTypeID) IsInternal() bool {
	return t == RecordableIndex || t == RecordableDescription
}

// StreamID identifies one stream inside a file: a recordable type plus an
// instance id assigned by the writer at registration. Instance ids are
// opaque and not stable across runs.
type StreamID struct {
	Type     RecordableTypeID
	Instance uint16
}

// IsValid tells whether the stream id designates an actual stream.
func (id StreamID) IsValid() bool {
	return id.Type != RecordableUndefined && id.Type != 0
}

// Numeric name, "typeId-instanceId", the canonical string form.
func (id StreamID) String() string {
	return strconv.Itoa(int(id.Type)) + "-" + strconv.Itoa(int(id.Instance))
}

// Name returns a readable form combining the type name and instance.
func (id StreamID) Name() string {
	return fmt.Sprintf("%s #%d", id.Type.Name(), id.Instance)
}

// Before provides the canonical stream ordering, by type then instance.
func (id StreamID) Before(other StreamID) bool {
	if id.Type != other.Type {
		return id.Type < other.Type
	}
	return id.Instance < other.Instance
}

// ParseStreamID parses the "typeId-instanceId" string form.
func ParseStreamID(s string) (StreamID, error) {
	dash := strings.IndexByte(s, '-')
	if dash <= 0 {
		return StreamID{}, fmt.Errorf("malformed stream id %q", s)
	}
	typeID, err := strconv.ParseUint(s[:dash], 10, 16)
	if err != nil {
		return StreamID{}, fmt.Errorf("malformed stream id %q: %w", s, err)
	}
	instance, err := strconv.ParseUint(s[dash+1:], 10, 16)
	if err != nil {
		return StreamID{}, fmt.Errorf("malformed stream id %q: %w", s, err)
	}
	return StreamID{Type: RecordableTypeID(typeID), Instance: uint16(instance)}, nil
}
