package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	vrs "github.com/Spatial-NVR/govrs"
	"github.com/Spatial-NVR/govrs/utils"
)

// CopyJob is the YAML description of a copy or merge run.
type CopyJob struct {
	Inputs []string `yaml:"inputs"`
	Output string   `yaml:"output"`

	Streams      []string `yaml:"streams,omitempty"`       // "typeId-instanceId"
	RecordTypes  []string `yaml:"record_types,omitempty"`  // Configuration, State, Data
	MinTime      *float64 `yaml:"min_time,omitempty"`
	MaxTime      *float64 `yaml:"max_time,omitempty"`
	Compression  string   `yaml:"compression,omitempty"`
	ChunkSizeMB  int      `yaml:"chunk_size_mb,omitempty"`
	MergeStreams bool     `yaml:"merge_streams,omitempty"`
	Preallocate  bool     `yaml:"preallocate_index,omitempty"`

	FileTags map[string]string `yaml:"file_tags,omitempty"`
}

var errJobNeedsIO = errors.New("job needs at least one input and an output")

// LoadCopyJob parses a YAML job file.
func LoadCopyJob(path string) (*CopyJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var job CopyJob
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("invalid job file %s: %w", path, err)
	}
	if len(job.Inputs) == 0 || job.Output == "" {
		return nil, errJobNeedsIO
	}
	return &job, nil
}

func (j *CopyJob) filter() (*utils.RecordFilter, error) {
	filter := utils.NewRecordFilter()
	for _, stream := range j.Streams {
		id, err := vrs.ParseStreamID(stream)
		if err != nil {
			return nil, err
		}
		filter.AddStream(id)
	}
	for _, name := range j.RecordTypes {
		recordType := vrs.ParseRecordType(name)
		if recordType == vrs.RecordTypeUndefined {
			return nil, fmt.Errorf("unknown record type %q", name)
		}
		filter.AddType(recordType)
	}
	if j.MinTime != nil || j.MaxTime != nil {
		minTime, maxTime := filter.MinTime, filter.MaxTime
		if j.MinTime != nil {
			minTime = *j.MinTime
		}
		if j.MaxTime != nil {
			maxTime = *j.MaxTime
		}
		filter.SetTimeRange(minTime, maxTime)
	}
	return filter, nil
}

func (j *CopyJob) preset() (vrs.CompressionPreset, error) {
	if j.Compression == "" {
		return vrs.CompressionPresetUndefined, nil
	}
	preset := vrs.ParseCompressionPreset(j.Compression)
	if preset == vrs.CompressionPresetUndefined {
		return preset, fmt.Errorf("unknown compression preset %q", j.Compression)
	}
	return preset, nil
}

func copyCommand() *cli.Command {
	return &cli.Command{
		Name:      "copy",
		Usage:     "Copy a recording, optionally filtered (flags or a YAML job file)",
		ArgsUsage: "<input> <output> | --job <job.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "job", Usage: "YAML job file describing the copy"},
			&cli.StringSliceFlag{Name: "stream", Usage: "Stream to keep, as typeId-instanceId (repeatable)"},
			&cli.StringFlag{Name: "compression", Usage: "Output compression preset"},
			&cli.IntFlag{Name: "chunk-size-mb", Usage: "Roll output chunks at this size"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			job, err := jobFromCommand(cmd, 2)
			if err != nil {
				return err
			}
			filter, err := job.filter()
			if err != nil {
				return err
			}
			preset, err := job.preset()
			if err != nil {
				return err
			}
			reader, err := vrs.OpenRecordFile(job.Inputs[0])
			if err != nil {
				return err
			}
			defer reader.Close()
			return utils.Copy(reader, job.Output, &utils.CopyOptions{
				Filter:            filter,
				CompressionPreset: preset,
				MaxChunkSizeMB:    job.ChunkSizeMB,
				PreallocateIndex:  job.Preallocate,
				FileTags:          job.FileTags,
			})
		},
	}
}

func mergeCommand() *cli.Command {
	return &cli.Command{
		Name:      "merge",
		Usage:     "Merge recordings into one file (flags or a YAML job file)",
		ArgsUsage: "<input>... <output> | --job <job.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "job", Usage: "YAML job file describing the merge"},
			&cli.BoolFlag{Name: "merge-streams", Usage: "Merge matching streams across inputs"},
			&cli.StringFlag{Name: "compression", Usage: "Output compression preset"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			job, err := jobFromCommand(cmd, -1)
			if err != nil {
				return err
			}
			if cmd.Bool("merge-streams") {
				job.MergeStreams = true
			}
			filter, err := job.filter()
			if err != nil {
				return err
			}
			preset, err := job.preset()
			if err != nil {
				return err
			}
			readers := make([]*vrs.RecordFileReader, 0, len(job.Inputs))
			defer func() {
				for _, reader := range readers {
					reader.Close()
				}
			}()
			for _, input := range job.Inputs {
				reader, err := vrs.OpenRecordFile(input)
				if err != nil {
					return err
				}
				readers = append(readers, reader)
			}
			return utils.Merge(readers, job.Output, &utils.MergeOptions{
				MergeStreams:      job.MergeStreams,
				Filter:            filter,
				CompressionPreset: preset,
			})
		},
	}
}

// jobFromCommand builds a job from a --job file or positional arguments.
// argCount is the exact argument count expected, or -1 for inputs...
// output.
func jobFromCommand(cmd *cli.Command, argCount int) (*CopyJob, error) {
	if path := cmd.String("job"); path != "" {
		return LoadCopyJob(path)
	}
	args := cmd.Args().Slice()
	if argCount > 0 && len(args) != argCount || len(args) < 2 {
		return nil, fmt.Errorf("expected input and output paths, or --job")
	}
	job := &CopyJob{
		Inputs:      args[:len(args)-1],
		Output:      args[len(args)-1],
		Streams:     cmd.StringSlice("stream"),
		Compression: cmd.String("compression"),
		ChunkSizeMB: int(cmd.Int("chunk-size-mb")),
	}
	return job, nil
}
