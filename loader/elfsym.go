package loader

import (
	"debug/elf"
	"fmt"
	"io"
)

// Symbol is one retained ELF32 symbol: a named address range.
type Symbol struct {
	Name  string
	Value uint32
	Size  uint32
}

// SymbolTable is an immutable PC→name lookup structure built once at load.
// Symbols are kept sorted by Value for O(log n) lookup.
type SymbolTable struct {
	syms []Symbol
}

// LoadSymbols parses .symtab/.strtab from an ELF32 LSB file, keeping only
// symbols with nonzero size or STT_FUNC type.
func LoadSymbols(r io.ReaderAt) (*SymbolTable, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("loader: opening ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("loader: expected ELF32, got %s", f.Class)
	}

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("loader: reading .symtab/.strtab: %w", err)
	}

	t := &SymbolTable{}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		if s.Size == 0 && elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		t.syms = append(t.syms, Symbol{Name: s.Name, Value: uint32(s.Value), Size: uint32(s.Size)})
	}
	t.sort()
	return t, nil
}

// NewSymbolTable builds a SymbolTable directly from a name->address map,
// bypassing ELF parsing. Used by the stub fabric's tests to exercise
// Registry.Bind against synthetic symbols without fabricating an ELF file.
func NewSymbolTable(syms map[string]uint32) *SymbolTable {
	t := &SymbolTable{}
	for name, addr := range syms {
		t.syms = append(t.syms, Symbol{Name: name, Value: addr, Size: 4})
	}
	t.sort()
	return t
}

func (t *SymbolTable) sort() {
	// Small insertion sort is fine; symbol tables are a few thousand
	// entries at most and this runs once at load.
	for i := 1; i < len(t.syms); i++ {
		for j := i; j > 0 && t.syms[j-1].Value > t.syms[j].Value; j-- {
			t.syms[j-1], t.syms[j] = t.syms[j], t.syms[j-1]
		}
	}
}

// Lookup returns the symbol whose [Value, Value+Size) contains pc, and the
// offset of pc within it.
func (t *SymbolTable) Lookup(pc uint32) (sym Symbol, offset uint32, ok bool) {
	lo, hi := 0, len(t.syms)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.syms[mid].Value <= pc {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return Symbol{}, 0, false
	}
	s := t.syms[lo-1]
	end := s.Value + s.Size
	if s.Size == 0 {
		end = s.Value + 1
	}
	if pc >= s.Value && pc < end {
		return s, pc - s.Value, true
	}
	return Symbol{}, 0, false
}

// Address resolves a symbol name to its address, for stub-pack hook
// installation. Returns ok=false if the name isn't present — a missing
// symbol is a warning, not an error.
func (t *SymbolTable) Address(name string) (uint32, bool) {
	for _, s := range t.syms {
		if s.Name == name {
			return s.Value, true
		}
	}
	return 0, false
}

// Len reports how many symbols are retained.
func (t *SymbolTable) Len() int { return len(t.syms) }
