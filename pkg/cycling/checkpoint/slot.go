package checkpoint

import (
	"strconv"
	"strings"
)

const (
	slotInfix   = "_checkpoint_"
	forceSuffix = "_force"
	pointerExt  = ".latest_checkpoint"
	tempExt     = ".tmp"
)

// Slot identifies one checkpoint directory.
type Slot struct {
	Name  string
	Seq   int
	Force bool
}

// DirName returns the slot's directory name: <name>_checkpoint_<seq>[_force].
func (s Slot) DirName() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteString(slotInfix)
	b.WriteString(strconv.Itoa(s.Seq))
	if s.Force {
		b.WriteString(forceSuffix)
	}
	return b.String()
}

// String implements fmt.Stringer.
func (s Slot) String() string {
	return s.DirName()
}

// ParseSlotName parses a directory name produced by Slot.DirName for the
// given checkpoint name. Names of other checkpoints, non-canonical
// sequence numbers ("007", "+7") and unknown suffixes are rejected.
func ParseSlotName(name, dirName string) (Slot, bool) {
	rest, ok := strings.CutPrefix(dirName, name+slotInfix)
	if !ok {
		return Slot{}, false
	}
	digits, force := strings.CutSuffix(rest, forceSuffix)
	if digits == "" {
		return Slot{}, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return Slot{}, false
		}
	}
	seq, err := strconv.Atoi(digits)
	if err != nil || strconv.Itoa(seq) != digits {
		return Slot{}, false
	}
	return Slot{Name: name, Seq: seq, Force: force}, true
}

// PointerName returns the name of the latest-checkpoint symlink.
func PointerName(name string) string {
	return name + pointerExt
}

func pointerTempName(name string) string {
	return PointerName(name) + tempExt
}
