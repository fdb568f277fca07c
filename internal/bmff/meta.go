package bmff

import (
	"fmt"
	"math"
)

// maxAV1LayerCount is the number of spatial layers an AV1 bitstream can
// carry, bounding lsel layer ids and a1lx derived layer sets.
const maxAV1LayerCount = 4

// maxParseDepth bounds box recursion so that malformed files with deeply
// nested or cyclic structures cannot blow the stack.
const maxParseDepth = 18

// The only supported ipma values for both version and flags are [0,1], so
// there can't be more than 4 unique tuples.
const maxIpmaVersionAndFlagsSeen = 4

// Extent is one (file offset, length) span of an item's payload.
type Extent struct {
	Offset uint64
	Size   int
}

// Item is one meta-box item. Items materialise lazily on first reference by
// id (iloc, iinf, ipma and iref may arrive in any order).
type Item struct {
	ID          uint32
	Type        string // 4-byte FourCC from infe
	Size        int    // sum of extent sizes
	Extents     []Extent
	IdatStored  bool // construction_method 1: payload lives in the meta idat
	ContentType string

	// Property copies associated through ipma, in association order.
	Properties []Property

	// Dimensions copied from the item's ispe property during resolve.
	Width  uint32
	Height uint32

	// Cross-item references from iref.
	ThumbnailForID uint32
	AuxForID       uint32
	DescForID      uint32
	DimgForID      uint32
	PremByID       uint32

	HasUnsupportedEssential bool
	IpmaSeen                bool
	Progressive             bool

	Meta *Meta // owning graph

	// Merged payload state, maintained by the item reader.
	MergedExtents        []byte
	OwnsMergedExtents    bool
	PartialMergedExtents bool
}

// Meta is the item/property graph of one meta box.
type Meta struct {
	Items      []*Item
	Properties []Property

	Idat []byte
	// IdatGeneration distinguishes sibling meta boxes; it is incremented on
	// every meta box parsed into this graph so that stale idat references
	// cannot resolve against a later box's data.
	IdatGeneration uint32

	PrimaryItemID uint32
}

// NewMeta returns an empty item graph.
func NewMeta() *Meta {
	return &Meta{}
}

// FindItem returns the item with the given non-zero id, materialising it on
// first reference.
func (m *Meta) FindItem(id uint32) *Item {
	if id == 0 {
		return nil
	}
	for _, item := range m.Items {
		if item.ID == id {
			return item
		}
	}
	item := &Item{ID: id, Meta: m}
	m.Items = append(m.Items, item)
	return item
}

// uniqueBoxSeen tracks "at most one" child-box constraints while parsing a
// parent box. It fails if the bit for boxType was already set.
func uniqueBoxSeen(flags *uint32, whichFlag uint, parentType, boxType string) error {
	bit := uint32(1) << whichFlag
	if *flags&bit != 0 {
		return fmt.Errorf("%w: Box[%s] contains a duplicate unique box of type '%s'", ErrInvalid, parentType, boxType)
	}
	*flags |= bit
	return nil
}

func parseHandlerBox(raw []byte) error {
	s := NewReader(raw)
	if err := s.ReadAndEnforceVersion(0); err != nil {
		return fmt.Errorf("%w: Box[hdlr]", err)
	}
	predefined, err := s.ReadU32()
	if err != nil {
		return err
	}
	if predefined != 0 {
		return fmt.Errorf("%w: Box[hdlr] nonzero pre_defined", ErrInvalid)
	}
	handlerType, err := s.Read(4)
	if err != nil {
		return err
	}
	if string(handlerType) != "pict" {
		return fmt.Errorf("%w: Box[hdlr] handler_type is not 'pict'", ErrInvalid)
	}
	if err := s.Skip(12); err != nil { // const unsigned int(32)[3] reserved = 0;
		return err
	}
	// Verify that a valid string is here, but don't bother to store it.
	if _, err := s.ReadString(0); err != nil {
		return fmt.Errorf("%w: Box[hdlr] name", err)
	}
	return nil
}

func (m *Meta) parseItemLocationBox(raw []byte) error {
	s := NewReader(raw)

	version, _, err := s.ReadVersionAndFlags()
	if err != nil {
		return err
	}
	if version > 2 {
		return fmt.Errorf("%w: Box[iloc] unsupported version %d", ErrInvalid, version)
	}

	b, err := s.ReadU8()
	if err != nil {
		return err
	}
	offsetSize := int(b >> 4 & 0xf)
	lengthSize := int(b & 0xf)

	b, err = s.ReadU8()
	if err != nil {
		return err
	}
	baseOffsetSize := int(b >> 4 & 0xf)
	if version == 1 || version == 2 {
		if indexSize := int(b & 0xf); indexSize != 0 {
			// extent_index unsupported
			return fmt.Errorf("%w: Box[iloc] unsupported extent_index", ErrInvalid)
		}
	}

	var itemCount uint32
	if version < 2 {
		v, err := s.ReadU16()
		if err != nil {
			return err
		}
		itemCount = uint32(v)
	} else if itemCount, err = s.ReadU32(); err != nil {
		return err
	}

	for i := uint32(0); i < itemCount; i++ {
		var itemID uint32
		if version < 2 {
			v, err := s.ReadU16()
			if err != nil {
				return err
			}
			itemID = uint32(v)
		} else if itemID, err = s.ReadU32(); err != nil {
			return err
		}

		item := m.FindItem(itemID)
		if item == nil {
			return fmt.Errorf("%w: Box[iloc] invalid item ID %d", ErrInvalid, itemID)
		}
		if len(item.Extents) > 0 {
			// This item was already given extents via this or another iloc.
			return fmt.Errorf("%w: item ID %d has duplicate sets of extents", ErrInvalid, itemID)
		}

		if version == 1 || version == 2 {
			if err := s.Skip(1); err != nil { // unsigned int(12) reserved = 0;
				return err
			}
			cm, err := s.ReadU8()
			if err != nil {
				return err
			}
			switch cm & 0xf {
			case 0: // file
			case 1: // idat
				item.IdatStored = true
			default:
				// construction method item(2) unsupported
				return fmt.Errorf("%w: Box[iloc] unsupported construction method %d", ErrInvalid, cm&0xf)
			}
		}

		if _, err := s.ReadU16(); err != nil { // data_reference_index
			return err
		}
		baseOffset, err := s.ReadUX8(baseOffsetSize)
		if err != nil {
			return err
		}
		extentCount, err := s.ReadU16()
		if err != nil {
			return err
		}
		for e := uint16(0); e < extentCount; e++ {
			extentOffset, err := s.ReadUX8(offsetSize)
			if err != nil {
				return err
			}
			extentLength, err := s.ReadUX8(lengthSize)
			if err != nil {
				return err
			}
			if extentOffset > math.MaxUint64-baseOffset {
				return fmt.Errorf("%w: item ID %d extent offset overflows", ErrInvalid, itemID)
			}
			if extentLength > math.MaxInt {
				return fmt.Errorf("%w: item ID %d extent length overflows", ErrInvalid, itemID)
			}
			size := int(extentLength)
			if size > math.MaxInt-item.Size {
				return fmt.Errorf("%w: item ID %d extent length overflows the item size", ErrInvalid, itemID)
			}
			item.Extents = append(item.Extents, Extent{Offset: baseOffset + extentOffset, Size: size})
			item.Size += size
		}
	}
	return nil
}

func (m *Meta) parsePrimaryItemBox(raw []byte) error {
	if m.PrimaryItemID > 0 {
		return fmt.Errorf("%w: multiple Box[pitm] found", ErrInvalid)
	}
	s := NewReader(raw)
	version, _, err := s.ReadVersionAndFlags()
	if err != nil {
		return err
	}
	if version == 0 {
		v, err := s.ReadU16()
		if err != nil {
			return err
		}
		m.PrimaryItemID = uint32(v)
		return nil
	}
	m.PrimaryItemID, err = s.ReadU32()
	return err
}

func (m *Meta) parseItemDataBox(raw []byte) error {
	if len(m.Idat) > 0 {
		return fmt.Errorf("%w: meta box contains multiple idat boxes", ErrInvalid)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: idat box has a length of 0", ErrInvalid)
	}
	m.Idat = append([]byte(nil), raw...)
	return nil
}

func (m *Meta) parseItemPropertyAssociation(raw []byte) (versionAndFlags uint32, err error) {
	s := NewReader(raw)

	version, flags, err := s.ReadVersionAndFlags()
	if err != nil {
		return 0, err
	}
	propertyIndexIsU16 := flags&0x1 != 0
	versionAndFlags = uint32(version)<<24 | flags

	entryCount, err := s.ReadU32()
	if err != nil {
		return 0, err
	}
	prevItemID := uint32(0)
	for entry := uint32(0); entry < entryCount; entry++ {
		// ISO/IEC 23008-12 9.3.1: associations are ordered by increasing
		// item_ID with at most one association entry per item.
		var itemID uint32
		if version < 1 {
			v, err := s.ReadU16()
			if err != nil {
				return 0, err
			}
			itemID = uint32(v)
		} else if itemID, err = s.ReadU32(); err != nil {
			return 0, err
		}
		if itemID <= prevItemID {
			return 0, fmt.Errorf("%w: Box[ipma] item IDs are not ordered by increasing ID", ErrInvalid)
		}
		prevItemID = itemID

		item := m.FindItem(itemID)
		if item == nil {
			return 0, fmt.Errorf("%w: Box[ipma] invalid item ID %d", ErrInvalid, itemID)
		}
		if item.IpmaSeen {
			return 0, fmt.Errorf("%w: duplicate Box[ipma] for item ID %d", ErrInvalid, itemID)
		}
		item.IpmaSeen = true

		associationCount, err := s.ReadU8()
		if err != nil {
			return 0, err
		}
		for a := uint8(0); a < associationCount; a++ {
			var essential bool
			var propertyIndex uint16
			if propertyIndexIsU16 {
				v, err := s.ReadU16()
				if err != nil {
					return 0, err
				}
				essential = v&0x8000 != 0
				propertyIndex = v & 0x7fff
			} else {
				v, err := s.ReadU8()
				if err != nil {
					return 0, err
				}
				essential = v&0x80 != 0
				propertyIndex = uint16(v & 0x7f)
			}

			if propertyIndex == 0 {
				// Not associated with any property.
				continue
			}
			propertyIndex-- // 1-indexed

			if int(propertyIndex) >= len(m.Properties) {
				return 0, fmt.Errorf("%w: Box[ipma] item ID %d has out-of-range property index %d", ErrInvalid, itemID, propertyIndex+1)
			}

			srcProp := &m.Properties[propertyIndex]
			if !supportedPropertyTypes[srcProp.Type] {
				if essential {
					// An essential property this package doesn't understand
					// poisons the item; the resolver skips it later.
					item.HasUnsupportedEssential = true
				}
				continue
			}

			// AVIF 2.3.2.3.2: a1lx, if associated, shall not be essential.
			if essential && srcProp.Type == "a1lx" {
				return 0, fmt.Errorf("%w: item ID %d a1lx association must not be essential", ErrInvalid, itemID)
			}
			// AVIF 2.3.2.1.1 / HEIF 6.5.11.1: a1op and lsel, if associated,
			// shall be essential.
			if !essential && (srcProp.Type == "a1op" || srcProp.Type == "lsel") {
				return 0, fmt.Errorf("%w: item ID %d %s association must be essential", ErrInvalid, itemID, srcProp.Type)
			}

			item.Properties = append(item.Properties, *srcProp)
		}
	}
	return versionAndFlags, nil
}

func (m *Meta) parseItemPropertiesBox(raw []byte) error {
	s := NewReader(raw)

	ipcoHeader, err := s.ReadBoxHeader()
	if err != nil {
		return err
	}
	if ipcoHeader.Type != "ipco" {
		return fmt.Errorf("%w: Box[iprp] first child is not Box[ipco]", ErrInvalid)
	}
	m.Properties, err = parsePropertyContainer(m.Properties, s.Current()[:ipcoHeader.Size])
	if err != nil {
		return err
	}
	if err := s.Skip(ipcoHeader.Size); err != nil {
		return err
	}

	var seen []uint32
	for s.HasBytesLeft(1) {
		ipmaHeader, err := s.ReadBoxHeader()
		if err != nil {
			return err
		}
		if ipmaHeader.Type != "ipma" {
			// iprp may only contain ipco (first) and ipma boxes.
			return fmt.Errorf("%w: Box[iprp] contains a box that isn't type 'ipma'", ErrInvalid)
		}
		versionAndFlags, err := m.parseItemPropertyAssociation(s.Current()[:ipmaHeader.Size])
		if err != nil {
			return err
		}
		for _, prev := range seen {
			if prev == versionAndFlags {
				// HEIF 9.3.1: at most one ipma per (version, flags) pair.
				return fmt.Errorf("%w: multiple Box[ipma] with the same version and flags", ErrInvalid)
			}
		}
		if len(seen) == maxIpmaVersionAndFlagsSeen {
			return fmt.Errorf("%w: too many unique ipma version/flags tuples", ErrInvalid)
		}
		seen = append(seen, versionAndFlags)
		if err := s.Skip(ipmaHeader.Size); err != nil {
			return err
		}
	}
	return nil
}

func (m *Meta) parseItemInfoEntry(raw []byte) error {
	s := NewReader(raw)
	// Version 2 is required for item_type.
	if err := s.ReadAndEnforceVersion(2); err != nil {
		return fmt.Errorf("%w: Box[infe]", err)
	}

	itemID, err := s.ReadU16()
	if err != nil {
		return err
	}
	if _, err := s.ReadU16(); err != nil { // item_protection_index
		return err
	}
	itemType, err := s.Read(4)
	if err != nil {
		return err
	}

	var contentType string
	if string(itemType) == "mime" {
		if _, err := s.ReadString(0); err != nil { // item_name (skipped)
			return fmt.Errorf("%w: Box[infe] item_name", err)
		}
		if contentType, err = s.ReadString(contentTypeSize); err != nil {
			return fmt.Errorf("%w: Box[infe] content_type", err)
		}
	}

	item := m.FindItem(uint32(itemID))
	if item == nil {
		return fmt.Errorf("%w: Box[infe] invalid item ID %d", ErrInvalid, itemID)
	}
	item.Type = string(itemType)
	item.ContentType = contentType
	return nil
}

func (m *Meta) parseItemInfoBox(raw []byte) error {
	s := NewReader(raw)

	version, _, err := s.ReadVersionAndFlags()
	if err != nil {
		return err
	}
	var entryCount uint32
	switch version {
	case 0:
		v, err := s.ReadU16()
		if err != nil {
			return err
		}
		entryCount = uint32(v)
	case 1:
		if entryCount, err = s.ReadU32(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: Box[iinf] unsupported version %d", ErrInvalid, version)
	}

	for entry := uint32(0); entry < entryCount; entry++ {
		infeHeader, err := s.ReadBoxHeader()
		if err != nil {
			return err
		}
		if infeHeader.Type != "infe" {
			return fmt.Errorf("%w: Box[iinf] contains a box that isn't type 'infe'", ErrInvalid)
		}
		if err := m.parseItemInfoEntry(s.Current()[:infeHeader.Size]); err != nil {
			return err
		}
		if err := s.Skip(infeHeader.Size); err != nil {
			return err
		}
	}
	return nil
}

func (m *Meta) parseItemReferenceBox(raw []byte) error {
	s := NewReader(raw)

	version, _, err := s.ReadVersionAndFlags()
	if err != nil {
		return err
	}

	for s.HasBytesLeft(1) {
		irefHeader, err := s.ReadBoxHeader()
		if err != nil {
			return err
		}

		var fromID uint32
		switch version {
		case 0:
			v, err := s.ReadU16()
			if err != nil {
				return err
			}
			fromID = uint32(v)
		case 1:
			if fromID, err = s.ReadU32(); err != nil {
				return err
			}
		default:
			// Unsupported iref version, skip the rest.
			return nil
		}

		referenceCount, err := s.ReadU16()
		if err != nil {
			return err
		}
		for ref := uint16(0); ref < referenceCount; ref++ {
			var toID uint32
			if version == 0 {
				v, err := s.ReadU16()
				if err != nil {
					return err
				}
				toID = uint32(v)
			} else if toID, err = s.ReadU32(); err != nil {
				return err
			}

			// Read this reference as "{fromID} is a {irefType} for {toID}".
			if fromID == 0 || toID == 0 {
				continue
			}
			item := m.FindItem(fromID)
			if item == nil {
				return fmt.Errorf("%w: Box[iref] invalid item ID %d", ErrInvalid, fromID)
			}
			switch irefHeader.Type {
			case "thmb":
				item.ThumbnailForID = toID
			case "auxl":
				item.AuxForID = toID
			case "cdsc":
				item.DescForID = toID
			case "dimg":
				// Derived images refer in the opposite direction.
				dimg := m.FindItem(toID)
				if dimg == nil {
					return fmt.Errorf("%w: Box[iref] invalid dimg item ID %d", ErrInvalid, toID)
				}
				dimg.DimgForID = fromID
			case "prem":
				item.PremByID = toID
			}
		}
	}
	return nil
}

// Parse consumes the contents of one meta box (full-box prelude included)
// into the graph. It may be called more than once for sibling meta boxes;
// each call bumps the idat generation.
func (m *Meta) Parse(raw []byte, depth int) error {
	if depth > maxParseDepth {
		return fmt.Errorf("%w: box nesting exceeds depth %d", ErrAborted, maxParseDepth)
	}
	s := NewReader(raw)
	if err := s.ReadAndEnforceVersion(0); err != nil {
		return fmt.Errorf("%w: Box[meta]", err)
	}

	m.IdatGeneration++

	firstBox := true
	var uniqueFlags uint32
	for s.HasBytesLeft(1) {
		header, err := s.ReadBoxHeader()
		if err != nil {
			return err
		}
		body := s.Current()[:header.Size]

		if firstBox {
			if header.Type != "hdlr" {
				return fmt.Errorf("%w: Box[meta] first child is not Box[hdlr]", ErrInvalid)
			}
			if err := uniqueBoxSeen(&uniqueFlags, 0, "meta", "hdlr"); err != nil {
				return err
			}
			if err := parseHandlerBox(body); err != nil {
				return err
			}
			firstBox = false
		} else {
			switch header.Type {
			case "iloc":
				err = uniqueBoxSeen(&uniqueFlags, 1, "meta", "iloc")
				if err == nil {
					err = m.parseItemLocationBox(body)
				}
			case "pitm":
				err = uniqueBoxSeen(&uniqueFlags, 2, "meta", "pitm")
				if err == nil {
					err = m.parsePrimaryItemBox(body)
				}
			case "idat":
				err = uniqueBoxSeen(&uniqueFlags, 3, "meta", "idat")
				if err == nil {
					err = m.parseItemDataBox(body)
				}
			case "iprp":
				err = uniqueBoxSeen(&uniqueFlags, 4, "meta", "iprp")
				if err == nil {
					err = m.parseItemPropertiesBox(body)
				}
			case "iinf":
				err = uniqueBoxSeen(&uniqueFlags, 5, "meta", "iinf")
				if err == nil {
					err = m.parseItemInfoBox(body)
				}
			case "iref":
				err = uniqueBoxSeen(&uniqueFlags, 6, "meta", "iref")
				if err == nil {
					err = m.parseItemReferenceBox(body)
				}
			}
			if err != nil {
				return err
			}
		}

		if err := s.Skip(header.Size); err != nil {
			return err
		}
	}
	if firstBox {
		// The meta box must contain at least a hdlr box.
		return fmt.Errorf("%w: Box[meta] has no child boxes", ErrInvalid)
	}
	return nil
}
