// Package pipeline implements the tagged-envelope framing shared by every
// stage of the DirScan → DirCmp → FileScan → FileCmp → Updater pipeline
// (§4.3, §6). Each stage speaks a distinct tag vocabulary over the same
// envelope shape; this package owns the envelope codec and the tag
// constants, not the stage logic itself.
package pipeline

// Tag identifies a pipeline frame. The numeric space is reused across the
// different stage vocabularies below (§6): a Tag is only meaningful
// together with the stream it was read from.
type Tag byte

// Control tags, shared by every stage (§4.3).
const (
	Start Tag = 0x80
	End   Tag = 0x81
)

// DirScan → DirCmp body tags (§4.4, §6).
const (
	Down      Tag = 0x00
	Up        Tag = 0x01
	File      Tag = 0x02
	RCS       Tag = 0x03
	RCSAttic  Tag = 0x04
	Symlink   Tag = 0x05
)

// DirCmp → FileScan directive tags (§4.5, §6). RCSAttic is shared with the
// DirScan vocabulary above; the two never appear on the same channel.
const (
	Add      Tag = 0x00
	Remove   Tag = 0x01
	SetAttr  Tag = 0x02
	Update   Tag = 0x03
)

// UpdateEnd closes an UPDATE directive's inner body; it shares End's value
// (§6: "FileScan/FileCmp ctl | START=0x80, END=0x81, UPDATE_END=0x81").
const UpdateEnd = End

// Inner UPDATE body tags (§4.6, §4.7, §6).
const (
	Generic Tag = 0x00
	RCSBody Tag = 0x01
	RDIFF   Tag = 0x02
)

// RCS sub-field tags within an RCS UPDATE body (§4.8, §6).
const (
	Head        Tag = 0x00
	Branch      Tag = 0x01
	Access      Tag = 0x02
	Symbols     Tag = 0x03
	Locks       Tag = 0x04
	LocksStrict Tag = 0x05
	Comment     Tag = 0x06
	Expand      Tag = 0x07
	Delta       Tag = 0x08
	Desc        Tag = 0x09
	DeltaText   Tag = 0x0a
)

// Merge sub-operations, used within ACCESS/SYMBOLS/LOCKS/DELTA/DELTATEXT
// merges (§4.8, §6).
const (
	SubAdd    Tag = 0x82
	SubRemove Tag = 0x83
	SubUpdate Tag = 0x84
)
