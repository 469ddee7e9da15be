package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/urfave/cli/v3"

	vrs "github.com/Spatial-NVR/govrs"
	"github.com/Spatial-NVR/govrs/utils"
)

var errOneFileExpected = errors.New("expected exactly one argument: a file path or spec")
var errTwoFilesExpected = errors.New("expected exactly two arguments: file paths or specs")

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Print a recording's streams, tags, and record counts",
		ArgsUsage: "<file>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errOneFileExpected
			}
			reader, err := vrs.OpenRecordFile(cmd.Args().Get(0))
			if err != nil {
				return err
			}
			defer reader.Close()
			printInfo(reader)
			return nil
		},
	}
}

func printInfo(reader *vrs.RecordFileReader) {
	index := reader.Index()
	fmt.Printf("Creation id: %d\n", reader.CreationID())
	fmt.Printf("Total size: %d bytes, %d records, index %s\n",
		reader.TotalSize(), len(index), completeness(reader.IsIndexComplete()))
	if len(index) > 0 {
		fmt.Printf("Time range: [%.3f, %.3f]\n", index[0].Timestamp, index[len(index)-1].Timestamp)
	}
	tags := reader.Tags()
	if len(tags) > 0 {
		fmt.Println("File tags:")
		for _, key := range sortedKeys(tags) {
			fmt.Printf("  %s = %s\n", key, tags[key])
		}
	}
	for _, id := range reader.Streams() {
		counts := map[vrs.RecordType]int{}
		for _, entry := range reader.StreamIndex(id) {
			counts[entry.RecordType]++
		}
		flavor := ""
		if f := reader.Flavor(id); f != "" {
			flavor = fmt.Sprintf(" (%s)", f)
		}
		fmt.Printf("Stream %s %s%s: %d configuration, %d state, %d data\n",
			id, id.Type.Name(), flavor,
			counts[vrs.RecordTypeConfiguration], counts[vrs.RecordTypeState], counts[vrs.RecordTypeData])
		streamTags := reader.StreamTags(id)
		if streamTags != nil {
			for _, key := range sortedKeys(streamTags.User) {
				fmt.Printf("  tag %s = %s\n", key, streamTags.User[key])
			}
		}
	}
}

func completeness(complete bool) string {
	if complete {
		return "complete"
	}
	return "rebuilt"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "Read every record, verifying integrity and decompression",
		ArgsUsage: "<file>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errOneFileExpected
			}
			reader, err := vrs.OpenRecordFile(cmd.Args().Get(0))
			if err != nil {
				return err
			}
			defer reader.Close()
			count, err := utils.CheckRecords(reader, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%d records read, no errors\n", count)
			return nil
		},
	}
}

func checksumCommand() *cli.Command {
	return &cli.Command{
		Name:      "checksum",
		Usage:     "Print an order-independent checksum of a recording's content",
		ArgsUsage: "<file>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errOneFileExpected
			}
			reader, err := vrs.OpenRecordFile(cmd.Args().Get(0))
			if err != nil {
				return err
			}
			defer reader.Close()
			sum, err := utils.Checksum(reader, nil)
			if err != nil {
				return err
			}
			fmt.Println(sum)
			return nil
		},
	}
}

func compareCommand() *cli.Command {
	return &cli.Command{
		Name:      "compare",
		Usage:     "Structurally compare two recordings record by record",
		ArgsUsage: "<file1> <file2>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 2 {
				return errTwoFilesExpected
			}
			left, err := vrs.OpenRecordFile(cmd.Args().Get(0))
			if err != nil {
				return err
			}
			defer left.Close()
			right, err := vrs.OpenRecordFile(cmd.Args().Get(1))
			if err != nil {
				return err
			}
			defer right.Close()
			result, err := utils.CompareFiles(left, right, nil)
			if err != nil {
				return err
			}
			if !result.Equal {
				return fmt.Errorf("files differ: %s", result.Reason)
			}
			fmt.Println("files are equivalent")
			return nil
		},
	}
}

func fixIndexCommand() *cli.Command {
	return &cli.Command{
		Name:      "fix-index",
		Usage:     "Rebuild and write back a damaged or missing index",
		ArgsUsage: "<file>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errOneFileExpected
			}
			reader, err := vrs.OpenRecordFileAutoFix(cmd.Args().Get(0), true)
			if err != nil {
				return err
			}
			defer reader.Close()
			fmt.Printf("%d records indexed, index %s\n", len(reader.Index()), completeness(reader.IsIndexComplete()))
			return nil
		},
	}
}

func detailsCacheCommand() *cli.Command {
	return &cli.Command{
		Name:      "details-cache",
		Usage:     "Write a companion details cache so future opens skip index parsing",
		ArgsUsage: "<file> <cache-file>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 2 {
				return errTwoFilesExpected
			}
			reader, err := vrs.OpenRecordFile(cmd.Args().Get(0))
			if err != nil {
				return err
			}
			defer reader.Close()
			return vrs.WriteFileDetailsCache(cmd.Args().Get(1), reader)
		},
	}
}
