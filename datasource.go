package vrs

// DataSource describes the bytes a record should capture at creation: a
// concatenation of zero to two data layout captures followed by up to
// three raw byte chunks. Referenced buffers must stay valid until the
// record is created, which keeps the number of copies to exactly one.
type DataSource struct {
	layouts []*DataLayout
	chunks  [][]byte
	size    int
}

// NewDataSource captures raw byte chunks.
func NewDataSource(chunks ...[]byte) *DataSource {
	return newDataSource(nil, chunks)
}

// NewDataSourceWithLayout captures a data layout followed by raw chunks.
func NewDataSourceWithLayout(layout *DataLayout, chunks ...[]byte) *DataSource {
	return newDataSource([]*DataLayout{layout}, chunks)
}

// NewDataSourceWithLayouts captures two data layouts followed by raw
// chunks.
func NewDataSourceWithLayouts(first, second *DataLayout, chunks ...[]byte) *DataSource {
	return newDataSource([]*DataLayout{first, second}, chunks)
}

func newDataSource(layouts []*DataLayout, chunks [][]byte) *DataSource {
	source := &DataSource{layouts: layouts, chunks: chunks}
	for _, layout := range layouts {
		if layout != nil {
			layout.CollectVariableDataAndUpdateIndex()
			source.size += layout.TotalByteSize()
		}
	}
	for _, chunk := range chunks {
		source.size += len(chunk)
	}
	return source
}

// Size returns the total byte count the source will copy.
func (s *DataSource) Size() int { return s.size }

// CopyTo copies all the source data into dst, which must be at least
// Size() bytes. The amount copied is exactly Size().
func (s *DataSource) CopyTo(dst []byte) {
	offset := 0
	for _, layout := range s.layouts {
		if layout != nil {
			offset += layout.WriteTo(dst[offset:])
		}
	}
	for _, chunk := range s.chunks {
		offset += copy(dst[offset:], chunk)
	}
}
