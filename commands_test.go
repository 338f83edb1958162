package desfire

import (
	"bytes"
	"testing"
)

func TestSelectApplicationSendsAIDAndAlwaysClearsSession(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusOK)}}}
	card := NewCard(tr, CommandSetNative)
	card.Session().establish(ChannelEV2, AlgAES, 1, make([]byte, 16), make([]byte, 16), [4]byte{1, 2, 3, 4})

	if err := card.SelectApplication(0x123456); err != nil {
		t.Fatalf("SelectApplication failed: %v", err)
	}
	if card.Session().IsAuthenticated() {
		t.Fatal("SelectApplication must invalidate any existing session")
	}
	if !bytes.Equal(tr.sent[0], []byte{cmdSelectApplication, 0x56, 0x34, 0x12}) {
		t.Fatalf("sent frame = % X, want SELECT_APPLICATION || AID(LE)", tr.sent[0])
	}
}

func TestSelectApplicationPropagatesCardError(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusAppNotFound)}}}
	card := NewCard(tr, CommandSetNative)
	err := card.SelectApplication(0xAABBCC)
	status, ok := CardStatusOf(err)
	if !ok || status != StatusAppNotFound {
		t.Fatalf("CardStatusOf(err) = (%s, %v), want (APPLICATION_NOT_FOUND, true)", status, ok)
	}
}

func TestGetApplicationIDsParsesSplitBySizeSlots(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{
		{byte(StatusAdditionalFrm), 0x01, 0x00, 0x00},
		{byte(StatusAdditionalFrm), 0x02, 0x00, 0x00},
		{byte(StatusOK), 0x03, 0x00, 0x00},
	}}
	card := NewCard(tr, CommandSetNative)
	aids, err := card.GetApplicationIDs()
	if err != nil {
		t.Fatalf("GetApplicationIDs failed: %v", err)
	}
	want := []uint32{0x000001, 0x000002, 0x000003}
	if len(aids) != len(want) {
		t.Fatalf("aids = %v, want %v", aids, want)
	}
	for i := range want {
		if aids[i] != want[i] {
			t.Fatalf("aids[%d] = %#x, want %#x", i, aids[i], want[i])
		}
	}
}

func TestGetVersionParsesThreePartResponse(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{
		{byte(StatusAdditionalFrm), 0x04, 0x01, 0x01, 0x01, 0x00, 0x18, 0x05},
		{byte(StatusAdditionalFrm), 0x04, 0x01, 0x01, 0x01, 0x00, 0x18, 0x05},
		append([]byte{byte(StatusOK)}, append(append([]byte{1, 2, 3, 4, 5, 6, 7}, []byte{9, 8, 7, 6, 5}...), 0x01, 0x23)...),
	}}
	card := NewCard(tr, CommandSetNative)
	v, err := card.GetVersion()
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if v.HWVendorID != 0x04 || v.SWVendorID != 0x04 {
		t.Fatalf("vendor IDs = %#x/%#x, want 0x04/0x04", v.HWVendorID, v.SWVendorID)
	}
	if !bytes.Equal(v.UID, []byte{1, 2, 3, 4, 5, 6, 7}) {
		t.Fatalf("UID = % X, want 01 02 03 04 05 06 07", v.UID)
	}
	if !bytes.Equal(v.BatchNo, []byte{9, 8, 7, 6, 5}) {
		t.Fatalf("BatchNo = % X, want 09 08 07 06 05", v.BatchNo)
	}
	if v.ProdYear != 0x02 || v.ProdWeek != 0x03 {
		t.Fatalf("ProdYear/ProdWeek = %d/%d, want 2/3", v.ProdYear, v.ProdWeek)
	}
}

func TestGetKeySettingsParsesResponse(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusOK), 0x0F, 0x21}}}
	card := NewCard(tr, CommandSetNative)
	settings, maxKeys, err := card.GetKeySettings()
	if err != nil {
		t.Fatalf("GetKeySettings failed: %v", err)
	}
	if settings != 0x0F || maxKeys != 0x21 {
		t.Fatalf("settings/maxKeys = %#x/%#x, want 0x0F/0x21", settings, maxKeys)
	}
}

func TestReadDataPlainModeBuildsOffsetLengthHeader(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusOK), 0xDE, 0xAD, 0xBE, 0xEF}}}
	card := NewCard(tr, CommandSetNative)
	data, err := card.ReadData(0x03, 0x000102, 0x000304, CommModePlain)
	if err != nil {
		t.Fatalf("ReadData failed: %v", err)
	}
	if !bytes.Equal(data, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("data = % X, want DE AD BE EF", data)
	}
	wantHeader := []byte{cmdReadData, 0x03, 0x02, 0x01, 0x00, 0x04, 0x03, 0x00}
	if !bytes.Equal(tr.sent[0], wantHeader) {
		t.Fatalf("sent frame = % X, want % X", tr.sent[0], wantHeader)
	}
}

func TestWriteDataPlainModeRoundTrip(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusOK)}}}
	card := NewCard(tr, CommandSetNative)
	payload := []byte{0x01, 0x02, 0x03}
	if err := card.WriteData(0x01, 10, payload, CommModePlain); err != nil {
		t.Fatalf("WriteData failed: %v", err)
	}
	wantHeader := []byte{cmdWriteData, 0x01, 10, 0x00, 0x00, byte(len(payload)), 0x00, 0x00}
	got := tr.sent[0]
	if !bytes.Equal(got[:len(wantHeader)], wantHeader) {
		t.Fatalf("sent header = % X, want % X", got[:len(wantHeader)], wantHeader)
	}
	if !bytes.Equal(got[len(wantHeader):], payload) {
		t.Fatalf("sent payload = % X, want % X", got[len(wantHeader):], payload)
	}
}

func TestGetValueParsesSignedBalance(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusOK), 0xFF, 0xFF, 0xFF, 0xFF}}}
	card := NewCard(tr, CommandSetNative)
	v, err := card.GetValue(0x02, CommModePlain)
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != -1 {
		t.Fatalf("GetValue = %d, want -1", v)
	}
}

func TestCreditPlainModeEncodesLittleEndianAmount(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusOK)}}}
	card := NewCard(tr, CommandSetNative)
	if err := card.Credit(0x02, 0x01020304, CommModePlain); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	want := []byte{cmdCredit, 0x02, 0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(tr.sent[0], want) {
		t.Fatalf("sent frame = % X, want % X", tr.sent[0], want)
	}
}

func TestCommitTransactionAcceptsOKAndNoChanges(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusNoChanges)}}}
	card := NewCard(tr, CommandSetNative)
	if err := card.CommitTransaction(CommitOptions{}); err != nil {
		t.Fatalf("CommitTransaction should accept NO_CHANGES as success, got %v", err)
	}
}

func TestCommitTransactionEV2ReturnTMCFlag(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusOK)}}}
	card := NewCard(tr, CommandSetNative)
	card.Session().establish(ChannelEV2, AlgAES, 0, make([]byte, 16), make([]byte, 16), [4]byte{})
	if err := card.CommitTransaction(CommitOptions{ReturnTMCAndTMAC: true}); err != nil {
		t.Fatalf("CommitTransaction failed: %v", err)
	}
	if !bytes.Equal(tr.sent[0], []byte{cmdCommitTransaction, 0x01}) {
		t.Fatalf("sent frame = % X, want COMMIT || 0x01", tr.sent[0])
	}
}

func TestAbortTransactionRequiresOK(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusCommandAborted)}}}
	card := NewCard(tr, CommandSetNative)
	if err := card.AbortTransaction(); err == nil {
		t.Fatal("expected an error when the card reports COMMAND_ABORTED")
	}
}

func TestCreateApplicationSendsAIDAndSettings(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusOK)}}}
	card := NewCard(tr, CommandSetNative)
	if err := card.CreateApplication(0x112233, 0x0F, 0x21); err != nil {
		t.Fatalf("CreateApplication failed: %v", err)
	}
	want := []byte{cmdCreateApplication, 0x33, 0x22, 0x11, 0x0F, 0x21}
	if !bytes.Equal(tr.sent[0], want) {
		t.Fatalf("sent frame = % X, want % X", tr.sent[0], want)
	}
}

func TestDeleteFileAndClearRecordFileSendFileNo(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusOK)}, {byte(StatusOK)}}}
	card := NewCard(tr, CommandSetNative)
	if err := card.DeleteFile(0x05); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	if err := card.ClearRecordFile(0x05); err != nil {
		t.Fatalf("ClearRecordFile failed: %v", err)
	}
	if !bytes.Equal(tr.sent[0], []byte{cmdDeleteFile, 0x05}) || !bytes.Equal(tr.sent[1], []byte{cmdClearRecordFile, 0x05}) {
		t.Fatalf("sent frames = % X, want DeleteFile and ClearRecordFile each with fileNo 5", tr.sent)
	}
}

func TestGetFileSettingsDispatchesToParser(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{
		{byte(StatusOK), FileTypeStandard, byte(CommModePlain), 0x00, 0x00, 0x10, 0x00, 0x00},
	}}
	card := NewCard(tr, CommandSetNative)
	fs, err := card.GetFileSettings(0x01)
	if err != nil {
		t.Fatalf("GetFileSettings failed: %v", err)
	}
	if fs.FileType != FileTypeStandard || fs.FileSize != 0x10 {
		t.Fatalf("fs = %+v, want FileType=Standard, FileSize=0x10", fs)
	}
}

func TestCreateFileDispatchesCommandByFileType(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusOK)}}}
	card := NewCard(tr, CommandSetNative)
	fs := &FileSettings{FileType: FileTypeLinearRecord, CommMode: CommModePlain, RecordSize: 16, MaxRecords: 4}
	if err := card.CreateFile(0x02, fs); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if tr.sent[0][0] != cmdCreateLinearRecFile {
		t.Fatalf("sent command = %#x, want CREATE_LINEAR_RECORD_FILE", tr.sent[0][0])
	}
	if tr.sent[0][1] != 0x02 {
		t.Fatalf("sent fileNo = %#x, want 0x02", tr.sent[0][1])
	}
}

func TestCreateFileRejectsUnsupportedFileType(t *testing.T) {
	card := NewCard(&scriptedTransport{}, CommandSetNative)
	fs := &FileSettings{FileType: FileTypeTransactionMAC}
	if err := card.CreateFile(0x01, fs); err == nil {
		t.Fatal("expected an error creating a TransactionMAC file via the generic dispatch")
	}
}

func TestChangeKeyRequiresAuthenticatedSession(t *testing.T) {
	card := NewCard(&scriptedTransport{}, CommandSetNative)
	key, _ := NewKey(AlgAES, make([]byte, 16), 256)
	err := card.ChangeKey(0, key, nil)
	if !IsNotAuthenticated(err) {
		t.Fatalf("expected IsNotAuthenticated, got %v", err)
	}
}

func TestChangeKeySameSlotAlwaysClearsSessionRegardlessOfStatus(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusAuthError)}}}
	card := NewCard(tr, CommandSetNative)
	card.Session().establish(ChannelD40, Alg2TDEA, 0, make([]byte, 16), nil, [4]byte{})
	newKey, _ := NewKey(Alg2TDEA, make([]byte, 16), 256)

	err := card.ChangeKey(0, newKey, nil)
	if err == nil {
		t.Fatal("expected the card's AUTHENTICATION_ERROR status to surface")
	}
	if card.Session().IsAuthenticated() {
		t.Fatal("a same-slot ChangeKey attempt must clear the session even on failure")
	}
}

func TestSetConfigurationRequiresAuthenticatedSession(t *testing.T) {
	card := NewCard(&scriptedTransport{}, CommandSetNative)
	if err := card.SetConfiguration(0x00, []byte{0x01}); !IsNotAuthenticated(err) {
		t.Fatalf("expected IsNotAuthenticated, got %v", err)
	}
}

func TestFormatPICCRequiresOKStatus(t *testing.T) {
	tr := &scriptedTransport{replies: [][]byte{{byte(StatusPermissionDeny)}}}
	card := NewCard(tr, CommandSetNative)
	if err := card.FormatPICC(); err == nil {
		t.Fatal("expected an error when the card denies FormatPICC")
	}
}

func TestLe32EncodesLittleEndian(t *testing.T) {
	got := le32(0x01020304)
	want := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("le32 = % X, want % X", got, want)
	}
}
