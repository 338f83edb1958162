package desfire

import "testing"

func TestParseFileSettingsStandardDataFile(t *testing.T) {
	data := []byte{FileTypeStandard, byte(CommModeMAC), 0x34, 0x12, 0x00, 0x01, 0x00}
	fs, err := ParseFileSettings(data)
	if err != nil {
		t.Fatalf("ParseFileSettings failed: %v", err)
	}
	if fs.FileType != FileTypeStandard {
		t.Fatalf("FileType = %#x, want Standard", fs.FileType)
	}
	if fs.CommMode != CommModeMAC {
		t.Fatalf("CommMode = %s, want MACed", fs.CommMode)
	}
	if fs.AccessRights != 0x1234 {
		t.Fatalf("AccessRights = %#04x, want 0x1234", fs.AccessRights)
	}
	if fs.FileSize != 0x000100 {
		t.Fatalf("FileSize = %#x, want 0x000100", fs.FileSize)
	}
}

func TestParseFileSettingsValueFile(t *testing.T) {
	data := []byte{
		FileTypeValue, 0x03, 0x00, 0x00, // option byte: wire value 3 = Full
		0x00, 0x00, 0x00, 0x00, // lower limit = 0
		0x10, 0x27, 0x00, 0x00, // upper limit = 10000
		0x05, 0x00, 0x00, 0x00, // value = 5
		0x03, // limited credit + free get value
	}
	fs, err := ParseFileSettings(data)
	if err != nil {
		t.Fatalf("ParseFileSettings failed: %v", err)
	}
	if fs.LowerLimit != 0 || fs.UpperLimit != 10000 || fs.Value != 5 {
		t.Fatalf("limits/value = %d/%d/%d, want 0/10000/5", fs.LowerLimit, fs.UpperLimit, fs.Value)
	}
	if !fs.LimitedCreditEnabled || !fs.FreeGetValue {
		t.Fatal("expected both limited-credit and free-get-value flags set")
	}
}

func TestParseFileSettingsLinearRecordFile(t *testing.T) {
	data := []byte{
		FileTypeLinearRecord, byte(CommModePlain), 0x00, 0x00,
		0x20, 0x00, 0x00, // record size = 32
		0x0A, 0x00, 0x00, // max records = 10
		0x03, 0x00, 0x00, // current records = 3
	}
	fs, err := ParseFileSettings(data)
	if err != nil {
		t.Fatalf("ParseFileSettings failed: %v", err)
	}
	if fs.RecordSize != 32 || fs.MaxRecords != 10 || fs.CurRecords != 3 {
		t.Fatalf("record file fields = %d/%d/%d, want 32/10/3", fs.RecordSize, fs.MaxRecords, fs.CurRecords)
	}
}

func TestParseFileSettingsTransactionMACFileCommonPrefixOnly(t *testing.T) {
	data := []byte{FileTypeTransactionMAC, byte(CommModeMAC), 0x00, 0x00}
	fs, err := ParseFileSettings(data)
	if err != nil {
		t.Fatalf("ParseFileSettings failed: %v", err)
	}
	if fs.FileType != FileTypeTransactionMAC {
		t.Fatalf("FileType = %#x, want TransactionMAC", fs.FileType)
	}
}

func TestParseFileSettingsRejectsUnknownFileType(t *testing.T) {
	data := []byte{0x7F, 0x00, 0x00, 0x00}
	if _, err := ParseFileSettings(data); err == nil {
		t.Fatal("expected an error for an unrecognized file type byte")
	}
}

func TestParseFileSettingsRejectsTooShortInput(t *testing.T) {
	if _, err := ParseFileSettings([]byte{0x00, 0x00}); err == nil {
		t.Fatal("expected an error for a settings blob shorter than the common prefix")
	}
}

func TestParseFileSettingsDecodesAdditionalAccessRightsTrailer(t *testing.T) {
	data := []byte{
		FileTypeStandard, 0x80, // option byte bit 7 set: trailer follows
		0x00, 0x00, // access rights
		0x00, 0x01, 0x00, // file size = 0x010000
		0x02,       // trailer count = 2
		0x11, 0x22, // extra access right 1
		0x33, 0x44, // extra access right 2
	}
	fs, err := ParseFileSettings(data)
	if err != nil {
		t.Fatalf("ParseFileSettings failed: %v", err)
	}
	if len(fs.AdditionalAccessRights) != 2 {
		t.Fatalf("AdditionalAccessRights length = %d, want 2", len(fs.AdditionalAccessRights))
	}
	if fs.AdditionalAccessRights[0] != 0x2211 || fs.AdditionalAccessRights[1] != 0x4433 {
		t.Fatalf("AdditionalAccessRights = % X, want [2211 4433]", fs.AdditionalAccessRights)
	}
}

func TestParseFileSettingsCommModeWireEncoding(t *testing.T) {
	// Wire encoding is {0: Plain, 1: MAC, 2: reserved, 3: Full} — not the
	// sequential CommMode enum order.
	data := []byte{FileTypeStandard, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00}
	fs, err := ParseFileSettings(data)
	if err != nil {
		t.Fatalf("ParseFileSettings failed: %v", err)
	}
	if fs.CommMode != CommModeFull {
		t.Fatalf("CommMode = %s, want Full for raw wire value 3", fs.CommMode)
	}
}

func TestEncodeFileSettingsOptionsRoundTripsThroughParse(t *testing.T) {
	original := &FileSettings{
		FileType:     FileTypeStandard,
		CommMode:     CommModeFull,
		AccessRights: 0xABCD,
		FileSize:     512,
	}
	wire := EncodeCreateFileData(original)
	// Re-assemble a GetFileSettings-shaped blob (type byte + the
	// ChangeFileSettings/CreateFile body) and parse it back.
	full := append([]byte{original.FileType}, wire...)
	parsed, err := ParseFileSettings(full)
	if err != nil {
		t.Fatalf("ParseFileSettings failed: %v", err)
	}
	if parsed.CommMode != original.CommMode || parsed.AccessRights != original.AccessRights || parsed.FileSize != original.FileSize {
		t.Fatalf("round trip = %+v, want %+v", parsed, original)
	}
}

func TestEncodeCreateFileDataValueFileLayout(t *testing.T) {
	fs := &FileSettings{
		FileType:             FileTypeValue,
		CommMode:             CommModePlain,
		LowerLimit:           -100,
		UpperLimit:           100,
		Value:                0,
		LimitedCreditEnabled: true,
	}
	data := EncodeCreateFileData(fs)
	// 3 bytes common prefix + 4+4+4 limits/value + 1 flags byte
	if len(data) != 3+12+1 {
		t.Fatalf("encoded value-file length = %d, want %d", len(data), 3+12+1)
	}
	flags := data[len(data)-1]
	if flags&0x01 == 0 {
		t.Fatal("expected the limited-credit flag bit set")
	}
	if flags&0x02 != 0 {
		t.Fatal("free-get-value flag should not be set")
	}
}

func TestEncodeCreateFileDataRecordFileLayout(t *testing.T) {
	fs := &FileSettings{
		FileType:   FileTypeCyclicRecord,
		CommMode:   CommModeMAC,
		RecordSize: 16,
		MaxRecords: 20,
	}
	data := EncodeCreateFileData(fs)
	if len(data) != 3+3+3 {
		t.Fatalf("encoded record-file length = %d, want %d", len(data), 3+3+3)
	}
	if readU24LE(data, 3) != 16 || readU24LE(data, 6) != 20 {
		t.Fatalf("record size/max records = %d/%d, want 16/20", readU24LE(data, 3), readU24LE(data, 6))
	}
}

func TestU24LERoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 0xFF, 0xFFFF, 0xFFFFFF} {
		b := u24LE(v)
		if len(b) != 3 {
			t.Fatalf("u24LE(%#x) length = %d, want 3", v, len(b))
		}
		if readU24LE(b, 0) != v {
			t.Fatalf("round trip: u24LE(%#x) -> readU24LE = %#x", v, readU24LE(b, 0))
		}
	}
}
