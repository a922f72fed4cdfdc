package bambu

import "fmt"

// CanonicalizeAmsID implements spec.md §4.2 rule 7 and §8's canonicalization
// table: 0-3 are regular AMS units A-D (4 trays each), 128-135 are HT units
// A-H (1 tray each), 254/255 are external spool holders (1 tray each).
func CanonicalizeAmsID(id int) (label string, kind AmsKind, trayCount int, err error) {
	switch {
	case id >= 0 && id <= 3:
		return fmt.Sprintf("AMS-%c", 'A'+id), AmsKindRegular, 4, nil
	case id >= 128 && id <= 135:
		return fmt.Sprintf("HT-%c", 'A'+(id-128)), AmsKindHT, 1, nil
	case id == 254:
		return "External L", AmsKindExternal, 1, nil
	case id == 255:
		return "External R", AmsKindExternal, 1, nil
	default:
		return "", "", 0, fmt.Errorf("unrecognized ams id %d", id)
	}
}

// TrayReadingBit returns the bit index within PrinterState.TrayReadingBits
// for a given (ams, tray) pair, per spec.md §9's resolved open question.
// Printers only populate tray_reading_bits for regular AMS units (ids 0-3),
// so the result always fits a uint32.
func TrayReadingBit(amsID, trayID int) uint {
	return uint(amsID*4 + trayID)
}
