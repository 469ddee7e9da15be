package vrs

import (
	"sync"
	"testing"
)

func TestCreateRecordKeepsActiveListSorted(t *testing.T) {
	manager := NewRecordManager()
	for _, timestamp := range []float64{0.1, 0.3, 0.2, 0.05, 0.3} {
		manager.CreateRecord(timestamp, RecordTypeData, 1, NewDataSource([]byte("x")))
	}
	var records []*Record
	manager.CollectOldRecords(MaxTimestamp, &records)
	if len(records) != 5 {
		t.Fatalf("collected %d records", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp() < records[i-1].Timestamp() {
			t.Fatalf("records out of order at %d: %v after %v",
				i, records[i].Timestamp(), records[i-1].Timestamp())
		}
	}
	// Equal timestamps keep insertion order.
	if records[3].Timestamp() != 0.3 || records[4].Timestamp() != 0.3 {
		t.Fatal("expected the two 0.3 records at the tail")
	}
	if records[3].CreationOrder() > records[4].CreationOrder() {
		t.Error("equal timestamps must preserve creation order")
	}
}

func TestCreationOrderIsMonotone(t *testing.T) {
	manager := NewRecordManager()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				manager.CreateRecord(1.0, RecordTypeData, 1, NewDataSource([]byte("y")))
			}
		}()
	}
	wg.Wait()
	var records []*Record
	manager.CollectOldRecords(MaxTimestamp, &records)
	seen := map[uint64]bool{}
	for i, record := range records {
		if seen[record.CreationOrder()] {
			t.Fatalf("creation order %d assigned twice", record.CreationOrder())
		}
		seen[record.CreationOrder()] = true
		if i > 0 && record.CreationOrder() < records[i-1].CreationOrder() {
			t.Fatalf("creation order %d follows %d", record.CreationOrder(), records[i-1].CreationOrder())
		}
	}
	if len(records) != 800 {
		t.Errorf("collected %d records, want 800", len(records))
	}
}

func TestPurgeRetainsContext(t *testing.T) {
	manager := NewRecordManager()
	manager.CreateRecord(0.0, RecordTypeConfiguration, 1, NewDataSource([]byte("c0")))
	manager.CreateRecord(0.1, RecordTypeState, 1, NewDataSource([]byte("s0")))
	manager.CreateRecord(0.2, RecordTypeTags, 1, NewDataSource([]byte("t0")))
	manager.CreateRecord(0.3, RecordTypeData, 1, NewDataSource([]byte("d0")))
	manager.CreateRecord(0.4, RecordTypeConfiguration, 1, NewDataSource([]byte("c1")))
	manager.CreateRecord(0.5, RecordTypeState, 1, NewDataSource([]byte("s1")))
	manager.CreateRecord(0.6, RecordTypeData, 1, NewDataSource([]byte("d1")))

	purged := manager.PurgeOldRecords(MaxTimestamp, false)
	if purged != 4 {
		t.Errorf("purged %d records, want 4 (old config, old state, two data)", purged)
	}
	var kept []*Record
	manager.CollectOldRecords(MaxTimestamp, &kept)
	if len(kept) != 3 {
		t.Fatalf("kept %d records, want 3", len(kept))
	}
	counts := map[RecordType]int{}
	for _, record := range kept {
		counts[record.Type()]++
	}
	if counts[RecordTypeConfiguration] != 1 || counts[RecordTypeState] != 1 || counts[RecordTypeTags] != 1 {
		t.Errorf("kept record types: %v", counts)
	}
	// The retained configuration and state are the most recent ones.
	for _, record := range kept {
		switch record.Type() {
		case RecordTypeConfiguration:
			if string(record.Payload()) != "c1" {
				t.Errorf("kept configuration = %q, want c1", record.Payload())
			}
		case RecordTypeState:
			if string(record.Payload()) != "s1" {
				t.Errorf("kept state = %q, want s1", record.Payload())
			}
		}
	}
}

func TestCollectOldRecordsCutoff(t *testing.T) {
	manager := NewRecordManager()
	for i := 0; i < 10; i++ {
		manager.CreateRecord(float64(i), RecordTypeData, 1, NewDataSource([]byte{byte(i)}))
	}
	var collected []*Record
	manager.CollectOldRecords(5.0, &collected)
	if len(collected) != 5 {
		t.Fatalf("collected %d records, want 5 (strictly older than the cutoff)", len(collected))
	}
	if manager.ActiveRecordCount() != 5 {
		t.Errorf("%d records left active, want 5", manager.ActiveRecordCount())
	}
}

func TestRecordRecycling(t *testing.T) {
	manager := NewRecordManager()
	payload := make([]byte, 2048)
	record := manager.CreateRecord(0.0, RecordTypeData, 1, NewDataSource(payload))
	var collected []*Record
	manager.CollectOldRecords(MaxTimestamp, &collected)
	collected[0].Recycle()
	if manager.CacheSize() != 1 {
		t.Fatalf("cache size = %d", manager.CacheSize())
	}
	// A similar-size record reuses the cached buffer.
	again := manager.CreateRecord(1.0, RecordTypeData, 1, NewDataSource(payload))
	if again != record {
		t.Error("Expected the cached record to be reused for a fitting payload")
	}
	if manager.CacheSize() != 0 {
		t.Errorf("cache size after reuse = %d", manager.CacheSize())
	}
}

func TestOverAllocationPolicy(t *testing.T) {
	manager := NewRecordManager()
	manager.SetOverAllocation(100, 50)
	// Both set: the smaller of +100 bytes and +50% wins.
	if got := manager.acceptableOverCapacity(1000); got != 1100 {
		t.Errorf("acceptableOverCapacity(1000) = %d, want 1100", got)
	}
	if got := manager.acceptableOverCapacity(100); got != 150 {
		t.Errorf("acceptableOverCapacity(100) = %d, want 150", got)
	}
	manager.SetOverAllocation(0, 25)
	if got := manager.acceptableOverCapacity(1000); got != 1250 {
		t.Errorf("acceptableOverCapacity(1000) = %d, want 1250", got)
	}
	manager.SetOverAllocation(0, 0)
	if got := manager.acceptableOverCapacity(1000); got != 1000 {
		t.Errorf("acceptableOverCapacity(1000) = %d, want 1000", got)
	}
}
