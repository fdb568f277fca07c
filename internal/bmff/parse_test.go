package bmff

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
)

// writeHdlrPict writes a minimal valid hdlr box with handler type 'pict'.
func writeHdlrPict(w *Writer) {
	hdlr := w.WriteFullBox("hdlr", 0, 0)
	w.WriteU32(0)
	w.WriteChars("pict")
	w.WriteZeros(12)
	w.WriteU8(0) // empty name string
	w.FinishBox(hdlr)
}

// buildMeta builds the raw contents of a meta box (full-box prelude plus a
// valid leading hdlr), then lets the callback append children.
func buildMeta(build func(w *Writer)) []byte {
	w := NewWriter()
	w.WriteU32(0) // meta full-box version and flags
	writeHdlrPict(w)
	if build != nil {
		build(w)
	}
	return w.Bytes()
}

func writePitm(w *Writer, itemID uint16) {
	pitm := w.WriteFullBox("pitm", 0, 0)
	w.WriteU16(itemID)
	w.FinishBox(pitm)
}

// writeIloc writes a version 0 iloc with 4-byte offset/length fields and one
// entry per given item.
func writeIloc(w *Writer, items map[uint16][]Extent) {
	iloc := w.WriteFullBox("iloc", 0, 0)
	w.WriteU8(0x44)
	w.WriteU8(0)
	w.WriteU16(uint16(len(items)))
	for itemID, extents := range items {
		w.WriteU16(itemID)
		w.WriteU16(0) // data_reference_index
		w.WriteU16(uint16(len(extents)))
		for _, e := range extents {
			w.WriteU32(uint32(e.Offset))
			w.WriteU32(uint32(e.Size))
		}
	}
	w.FinishBox(iloc)
}

func writeInfe(w *Writer, itemID uint16, itemType string) {
	infe := w.WriteFullBox("infe", 2, 0)
	w.WriteU16(itemID)
	w.WriteU16(0)
	w.WriteChars(itemType)
	w.WriteU8(0) // empty item_name
	w.FinishBox(infe)
}

func writeIinf(w *Writer, entries map[uint16]string, order []uint16) {
	iinf := w.WriteFullBox("iinf", 0, 0)
	w.WriteU16(uint16(len(order)))
	for _, id := range order {
		writeInfe(w, id, entries[id])
	}
	w.FinishBox(iinf)
}

func TestParseMetaRequiresLeadingHdlr(t *testing.T) {
	c := qt.New(t)

	w := NewWriter()
	w.WriteU32(0)
	writePitm(w, 1)
	writeHdlrPict(w)

	meta := NewMeta()
	c.Assert(meta.Parse(w.Bytes(), 0), qt.ErrorIs, ErrInvalid)

	// And a meta box with no children at all is invalid too.
	w = NewWriter()
	w.WriteU32(0)
	meta = NewMeta()
	c.Assert(meta.Parse(w.Bytes(), 0), qt.ErrorIs, ErrInvalid)
}

func TestParseMetaUniqueBoxes(t *testing.T) {
	c := qt.New(t)

	raw := buildMeta(func(w *Writer) {
		writePitm(w, 1)
		writePitm(w, 2)
	})
	meta := NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.ErrorIs, ErrInvalid)
}

func TestParseMetaIloc(t *testing.T) {
	c := qt.New(t)

	raw := buildMeta(func(w *Writer) {
		writePitm(w, 1)
		writeIloc(w, map[uint16][]Extent{
			1: {{Offset: 100, Size: 10}, {Offset: 200, Size: 22}},
		})
	})
	meta := NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.IsNil)
	c.Assert(meta.PrimaryItemID, qt.Equals, uint32(1))

	item := meta.FindItem(1)
	c.Assert(item.Size, qt.Equals, 32)
	diff := cmp.Diff([]Extent{{Offset: 100, Size: 10}, {Offset: 200, Size: 22}}, item.Extents)
	c.Assert(diff, qt.Equals, "")

	// The sum-of-extents invariant.
	total := 0
	for _, e := range item.Extents {
		total += e.Size
	}
	c.Assert(total, qt.Equals, item.Size)
}

func TestParseMetaIlocDuplicateExtents(t *testing.T) {
	c := qt.New(t)

	raw := buildMeta(func(w *Writer) {
		writeIloc(w, map[uint16][]Extent{1: {{Offset: 1, Size: 1}}})
		// A second iloc box is already rejected as a duplicate unique box.
	})
	meta := NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.IsNil)

	// Same item in one iloc twice: two entries, same ID.
	w := NewWriter()
	w.WriteU32(0)
	writeHdlrPict(w)
	iloc := w.WriteFullBox("iloc", 0, 0)
	w.WriteU8(0x44)
	w.WriteU8(0)
	w.WriteU16(2)
	for i := 0; i < 2; i++ {
		w.WriteU16(7)
		w.WriteU16(0)
		w.WriteU16(1)
		w.WriteU32(0)
		w.WriteU32(1)
	}
	w.FinishBox(iloc)
	meta = NewMeta()
	c.Assert(meta.Parse(w.Bytes(), 0), qt.ErrorIs, ErrInvalid)
}

func TestParseMetaIlocConstructionMethods(t *testing.T) {
	c := qt.New(t)

	buildV1 := func(constructionMethod uint8) []byte {
		return buildMeta(func(w *Writer) {
			iloc := w.WriteFullBox("iloc", 1, 0)
			w.WriteU8(0x44)
			w.WriteU8(0)
			w.WriteU16(1)
			w.WriteU16(1)                    // item_ID
			w.WriteU8(0)                     // reserved
			w.WriteU8(constructionMethod)    // construction_method
			w.WriteU16(0)                    // data_reference_index
			w.WriteU16(1)                    // extent_count
			w.WriteU32(0)                    // extent_offset
			w.WriteU32(4)                    // extent_length
			w.FinishBox(iloc)
		})
	}

	meta := NewMeta()
	c.Assert(meta.Parse(buildV1(0), 0), qt.IsNil)
	c.Assert(meta.FindItem(1).IdatStored, qt.IsFalse)

	meta = NewMeta()
	c.Assert(meta.Parse(buildV1(1), 0), qt.IsNil)
	c.Assert(meta.FindItem(1).IdatStored, qt.IsTrue)

	// Construction method 2 (item reference) is unsupported.
	meta = NewMeta()
	c.Assert(meta.Parse(buildV1(2), 0), qt.ErrorIs, ErrInvalid)
}

// writeIprp writes an iprp box with the given property payload builder and
// one ipma association set.
func writeIprp(w *Writer, writeProps func(w *Writer), assocs map[uint16][]uint8) {
	iprp := w.WriteBox("iprp")
	ipco := w.WriteBox("ipco")
	writeProps(w)
	w.FinishBox(ipco)

	ipma := w.WriteFullBox("ipma", 0, 0)
	w.WriteU32(uint32(len(assocs)))
	ids := make([]uint16, 0, len(assocs))
	for id := range assocs {
		ids = append(ids, id)
	}
	// Deterministic ascending order keeps the boxes valid.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	for _, id := range ids {
		w.WriteU16(id)
		w.WriteU8(uint8(len(assocs[id])))
		for _, a := range assocs[id] {
			w.WriteU8(a)
		}
	}
	w.FinishBox(ipma)
	w.FinishBox(iprp)
}

func writeIspeProp(w *Writer, width, height uint32) {
	ispe := w.WriteFullBox("ispe", 0, 0)
	w.WriteU32(width)
	w.WriteU32(height)
	w.FinishBox(ispe)
}

func writeAV1CProp(w *Writer) {
	av1C := w.WriteBox("av1C")
	w.WriteU8(0x81)
	w.WriteU8(0x1f) // profile 0, level 31
	w.WriteU8(0x0c) // 8-bit 4:2:0
	w.WriteU8(0)
	w.FinishBox(av1C)
}

func TestParseMetaProperties(t *testing.T) {
	c := qt.New(t)

	raw := buildMeta(func(w *Writer) {
		writeIprp(w, func(w *Writer) {
			writeIspeProp(w, 320, 240)
			writeAV1CProp(w)
		}, map[uint16][]uint8{1: {1, 0x82}}) // ispe plain, av1C essential
	})
	meta := NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.IsNil)
	c.Assert(meta.Properties, qt.HasLen, 2)

	item := meta.FindItem(1)
	c.Assert(item.Properties, qt.HasLen, 2)
	c.Assert(item.Properties[0].Type, qt.Equals, "ispe")
	c.Assert(item.Properties[0].Ispe, qt.Equals, ImageSpatialExtents{Width: 320, Height: 240})
	c.Assert(item.Properties[1].Type, qt.Equals, "av1C")
	c.Assert(item.Properties[1].AV1C.ChromaSubsamplingX, qt.Equals, uint8(1))
	c.Assert(item.Properties[1].AV1C.Depth(), qt.Equals, 8)
}

func TestParseMetaIpmaOrdering(t *testing.T) {
	c := qt.New(t)

	raw := buildMeta(func(w *Writer) {
		iprp := w.WriteBox("iprp")
		ipco := w.WriteBox("ipco")
		writeIspeProp(w, 1, 1)
		w.FinishBox(ipco)
		ipma := w.WriteFullBox("ipma", 0, 0)
		w.WriteU32(2)
		w.WriteU16(2) // item 2 first...
		w.WriteU8(1)
		w.WriteU8(1)
		w.WriteU16(1) // ...then item 1: not strictly increasing
		w.WriteU8(1)
		w.WriteU8(1)
		w.FinishBox(ipma)
		w.FinishBox(iprp)
	})
	meta := NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.ErrorIs, ErrInvalid)
}

func TestParseMetaEssentialRules(t *testing.T) {
	c := qt.New(t)

	writeA1lxProp := func(w *Writer) {
		a1lx := w.WriteBox("a1lx")
		w.WriteU8(0) // small sizes
		w.WriteU16(10)
		w.WriteU16(0)
		w.WriteU16(0)
		w.FinishBox(a1lx)
	}
	writeA1opProp := func(w *Writer) {
		a1op := w.WriteBox("a1op")
		w.WriteU8(1)
		w.FinishBox(a1op)
	}

	// a1lx must not be essential.
	raw := buildMeta(func(w *Writer) {
		writeIprp(w, writeA1lxProp, map[uint16][]uint8{1: {0x81}})
	})
	meta := NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.ErrorIs, ErrInvalid)

	// a1lx non-essential is fine.
	raw = buildMeta(func(w *Writer) {
		writeIprp(w, writeA1lxProp, map[uint16][]uint8{1: {1}})
	})
	meta = NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.IsNil)

	// a1op must be essential.
	raw = buildMeta(func(w *Writer) {
		writeIprp(w, writeA1opProp, map[uint16][]uint8{1: {1}})
	})
	meta = NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.ErrorIs, ErrInvalid)

	// Unknown property marked essential poisons the item but not the file.
	raw = buildMeta(func(w *Writer) {
		writeIprp(w, func(w *Writer) {
			abcd := w.WriteBox("abcd")
			w.WriteU32(0xdeadbeef)
			w.FinishBox(abcd)
		}, map[uint16][]uint8{1: {0x81}})
	})
	meta = NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.IsNil)
	c.Assert(meta.FindItem(1).HasUnsupportedEssential, qt.IsTrue)
}

func TestParseMetaInfeContentType(t *testing.T) {
	c := qt.New(t)

	raw := buildMeta(func(w *Writer) {
		iinf := w.WriteFullBox("iinf", 0, 0)
		w.WriteU16(2)
		writeInfe(w, 1, "av01")
		infe := w.WriteFullBox("infe", 2, 0)
		w.WriteU16(2)
		w.WriteU16(0)
		w.WriteChars("mime")
		w.WriteU8(0) // empty item_name
		w.WriteChars("application/rdf+xml")
		w.WriteU8(0)
		w.FinishBox(infe)
		w.FinishBox(iinf)
	})
	meta := NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.IsNil)
	c.Assert(meta.FindItem(1).Type, qt.Equals, "av01")
	c.Assert(meta.FindItem(2).Type, qt.Equals, "mime")
	c.Assert(meta.FindItem(2).ContentType, qt.Equals, "application/rdf+xml")
}

func TestParseMetaIref(t *testing.T) {
	c := qt.New(t)

	raw := buildMeta(func(w *Writer) {
		iref := w.WriteFullBox("iref", 0, 0)

		auxl := w.WriteBox("auxl")
		w.WriteU16(2) // from
		w.WriteU16(1) // count
		w.WriteU16(1) // to
		w.FinishBox(auxl)

		// dimg references run the other way: tile 3 and 4 are derived
		// inputs for grid item 1.
		dimg := w.WriteBox("dimg")
		w.WriteU16(1)
		w.WriteU16(2)
		w.WriteU16(3)
		w.WriteU16(4)
		w.FinishBox(dimg)

		w.FinishBox(iref)
	})
	meta := NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.IsNil)
	c.Assert(meta.FindItem(2).AuxForID, qt.Equals, uint32(1))
	c.Assert(meta.FindItem(3).DimgForID, qt.Equals, uint32(1))
	c.Assert(meta.FindItem(4).DimgForID, qt.Equals, uint32(1))
}

func TestParseMetaIdat(t *testing.T) {
	c := qt.New(t)

	raw := buildMeta(func(w *Writer) {
		idat := w.WriteBox("idat")
		w.Write([]byte{1, 2, 3, 4})
		w.FinishBox(idat)
	})
	meta := NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.IsNil)
	c.Assert(meta.Idat, qt.DeepEquals, []byte{1, 2, 3, 4})
	c.Assert(meta.IdatGeneration, qt.Equals, uint32(1))

	// An empty idat box is invalid.
	raw = buildMeta(func(w *Writer) {
		idat := w.WriteBox("idat")
		w.FinishBox(idat)
	})
	meta = NewMeta()
	c.Assert(meta.Parse(raw, 0), qt.ErrorIs, ErrInvalid)
}

func TestParseFileTypeBox(t *testing.T) {
	c := qt.New(t)

	w := NewWriter()
	w.WriteChars("avif")
	w.WriteU32(0)
	w.WriteChars("avif")
	w.WriteChars("mif1")
	w.WriteChars("miaf")
	w.WriteChars("MA1A")

	ftyp, err := ParseFileTypeBox(w.Bytes())
	c.Assert(err, qt.IsNil)
	c.Assert(ftyp.MajorBrand, qt.Equals, "avif")
	c.Assert(ftyp.CompatibleBrands, qt.DeepEquals, []string{"avif", "mif1", "miaf", "MA1A"})
	c.Assert(ftyp.IsCompatible(), qt.IsTrue)
	c.Assert(ftyp.HasBrand("avis"), qt.IsFalse)

	// Compatible brands must be a multiple of 4 bytes.
	w2 := NewWriter()
	w2.WriteChars("avif")
	w2.WriteU32(0)
	w2.WriteChars("mi")
	_, err = ParseFileTypeBox(w2.Bytes())
	c.Assert(err, qt.ErrorIs, ErrInvalid)

	// A file that is neither avif nor avis is not ours.
	w3 := NewWriter()
	w3.WriteChars("heic")
	w3.WriteU32(0)
	w3.WriteChars("mif1")
	ftyp, err = ParseFileTypeBox(w3.Bytes())
	c.Assert(err, qt.IsNil)
	c.Assert(ftyp.IsCompatible(), qt.IsFalse)
}

func TestParseImageGridBox(t *testing.T) {
	c := qt.New(t)

	// 16-bit fields: 2x2 grid with 100x100 output.
	payload := []byte{0, 0, 1, 1, 0, 100, 0, 100}
	grid, err := ParseImageGridBox(payload, 16384*16384)
	c.Assert(err, qt.IsNil)
	c.Assert(grid, qt.Equals, ImageGrid{Rows: 2, Columns: 2, OutputWidth: 100, OutputHeight: 100})

	// 32-bit fields via flags bit 0.
	payload32 := []byte{0, 1, 0, 3, 0, 0, 1, 0, 0, 0, 0, 200}
	grid, err = ParseImageGridBox(payload32, 16384*16384)
	c.Assert(err, qt.IsNil)
	c.Assert(grid, qt.Equals, ImageGrid{Rows: 1, Columns: 4, OutputWidth: 256, OutputHeight: 200})

	// Trailing bytes are invalid.
	_, err = ParseImageGridBox(append(payload, 0), 16384*16384)
	c.Assert(err, qt.ErrorIs, ErrInvalid)

	// Zero dimensions are invalid.
	_, err = ParseImageGridBox([]byte{0, 0, 0, 0, 0, 0, 0, 1}, 16384*16384)
	c.Assert(err, qt.ErrorIs, ErrInvalid)

	// Oversized output is rejected against the image size limit.
	_, err = ParseImageGridBox([]byte{0, 0, 0, 0, 255, 255, 255, 255}, 1024)
	c.Assert(err, qt.ErrorIs, ErrInvalid)
}

func TestParseSampleToChunkOrdering(t *testing.T) {
	c := qt.New(t)

	build := func(firstChunks ...uint32) []byte {
		w := NewWriter()
		w.WriteU32(0) // version and flags
		w.WriteU32(uint32(len(firstChunks)))
		for _, fc := range firstChunks {
			w.WriteU32(fc)
			w.WriteU32(1)
			w.WriteU32(1)
		}
		return w.Bytes()
	}

	table := &SampleTable{}
	c.Assert(parseSampleToChunkBox(table, build(1, 3, 7)), qt.IsNil)
	c.Assert(table.SampleToChunks, qt.HasLen, 3)

	table = &SampleTable{}
	c.Assert(parseSampleToChunkBox(table, build(2)), qt.ErrorIs, ErrInvalid)

	table = &SampleTable{}
	c.Assert(parseSampleToChunkBox(table, build(1, 1)), qt.ErrorIs, ErrInvalid)
}

func TestSampleTableHelpers(t *testing.T) {
	c := qt.New(t)

	table := &SampleTable{
		Chunks: []uint64{1000, 2000, 3000},
		SampleToChunks: []SampleToChunk{
			{FirstChunk: 1, SamplesPerChunk: 2, SampleDescriptionIndex: 1},
			{FirstChunk: 3, SamplesPerChunk: 5, SampleDescriptionIndex: 1},
		},
		TimeToSamples: []TimeToSample{
			{SampleCount: 2, SampleDelta: 100},
			{SampleCount: 1, SampleDelta: 50},
		},
		SampleDescriptions: []SampleDescription{{Format: "av01"}},
	}

	c.Assert(table.SampleCountOfChunk(0), qt.Equals, uint32(2))
	c.Assert(table.SampleCountOfChunk(1), qt.Equals, uint32(2))
	c.Assert(table.SampleCountOfChunk(2), qt.Equals, uint32(5))

	c.Assert(table.ImageDelta(0), qt.Equals, uint64(100))
	c.Assert(table.ImageDelta(1), qt.Equals, uint64(100))
	c.Assert(table.ImageDelta(2), qt.Equals, uint64(50))
	// Past the last run the final delta is reused.
	c.Assert(table.ImageDelta(9), qt.Equals, uint64(50))

	c.Assert(table.HasFormat("av01"), qt.IsTrue)
	c.Assert(table.HasFormat("hvc1"), qt.IsFalse)
}
