package desfire

import (
	"fmt"
	"log/slog"
)

// Native DESFire command bytes (§6).
const (
	cmdChangeKeySettings    byte = 0x54
	cmdGetKeySettings       byte = 0x45
	cmdChangeKey            byte = 0xC4
	cmdGetKeyVersion        byte = 0x64
	cmdCreateApplication    byte = 0xCA
	cmdDeleteApplication    byte = 0xDA
	cmdGetApplicationIDs    byte = 0x6A
	cmdGetDFNames           byte = 0x6D
	cmdSelectApplication    byte = 0x5A
	cmdFormatPICC           byte = 0xFC
	cmdGetVersion           byte = 0x60
	cmdGetCardUID           byte = 0x51
	cmdGetFileIDs           byte = 0x6F
	cmdGetFileSettings      byte = 0xF5
	cmdChangeFileSettings   byte = 0x5F
	cmdCreateStdDataFile    byte = 0xCD
	cmdCreateBackupDataFile byte = 0xCB
	cmdCreateValueFile      byte = 0xCC
	cmdCreateLinearRecFile  byte = 0xC1
	cmdCreateCyclicRecFile  byte = 0xC0
	cmdDeleteFile           byte = 0xDF
	cmdReadData             byte = 0xBD
	cmdWriteData            byte = 0x3D
	cmdGetValue             byte = 0x6C
	cmdCredit               byte = 0x0C
	cmdDebit                byte = 0xDC
	cmdLimitedCredit        byte = 0x1C
	cmdWriteRecord          byte = 0x3B
	cmdReadRecords          byte = 0xBB
	cmdClearRecordFile      byte = 0xEB
	cmdCommitTransaction    byte = 0xC7
	cmdAbortTransaction     byte = 0xA7
	cmdSetConfiguration     byte = 0x5C
)

// Card is the high-level DESFire client: one Card is bound to one
// Transport/Session/SecureCodec/AuthEngine tuple for the lifetime of a
// single tag interaction. It exposes every operation spec.md §6 names as
// a Go method, each building the native payload, running it through the
// active SecureCodec, and normalizing the card's status into an error.
type Card struct {
	ex    *Exchanger
	sess  *Session
	codec *SecureCodec
	auth  *AuthEngine
}

// NewCard builds a Card over a Transport using the given command set.
func NewCard(t Transport, cs CommandSet) *Card {
	sess := NewSession(cs)
	ex := NewExchanger(t, cs)
	return &Card{
		ex:    ex,
		sess:  sess,
		codec: NewSecureCodec(sess),
		auth:  NewAuthEngine(ex, sess),
	}
}

// Session exposes the underlying session state for inspection (IsAuthenticated, Variant, ...).
func (c *Card) Session() *Session { return c.sess }

// Auth exposes the authentication engine, e.g. for WithRandSource in tests.
func (c *Card) Auth() *AuthEngine { return c.auth }

// AuthenticateLegacy, AuthenticateEV1, AuthenticateEV2First,
// AuthenticateEV2NonFirst, and AuthenticateISO delegate to the Card's
// AuthEngine, matching spec.md §4.4's four authentication entry points.
func (c *Card) AuthenticateLegacy(keyNo byte, key *Key) error {
	return c.auth.AuthenticateLegacy(keyNo, key)
}
func (c *Card) AuthenticateEV1(keyNo byte, key *Key) error {
	return c.auth.AuthenticateEV1(keyNo, key)
}
func (c *Card) AuthenticateEV2First(keyNo byte, key *Key) error {
	return c.auth.AuthenticateEV2First(keyNo, key)
}
func (c *Card) AuthenticateEV2NonFirst(keyNo byte, key *Key) error {
	return c.auth.AuthenticateEV2NonFirst(keyNo, key)
}
func (c *Card) AuthenticateISO(keyNo byte, key *Key) error {
	return c.auth.AuthenticateISO(keyNo, key)
}

// exchange drives a command through the active codec for comm mode
// mode, handling the encode/send/decode round trip a single non-chained
// command needs. header is an unencrypted prefix participating in
// CRC/MAC; most commands pass nil.
func (c *Card) exchange(activateField bool, cmd byte, header, data []byte, mode CommMode) ([]byte, error) {
	payload, err := c.codec.Encode(cmd, header, data, mode)
	if err != nil {
		return nil, err
	}
	status, raw, err := c.ex.Exchange(activateField, cmd, payload, true)
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(cmd, status, raw, mode)
}

// SelectApplication selects aid (PICCAID selects the PICC master
// application). Per spec.md §3, this always invalidates the current
// session regardless of success or failure of the prior one.
func (c *Card) SelectApplication(aid uint32) error {
	payload := AIDToBytes(aid)
	status, _, err := c.ex.Exchange(true, cmdSelectApplication, payload, true)
	c.sess.onSelectApplication(aid)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return newStatusErr(cmdSelectApplication, status)
	}
	return nil
}

// GetApplicationIDs lists every AID on the PICC using the split-by-size
// chained response (each application contributes exactly 3 bytes; a
// naive concatenate-then-split loses frame boundaries if a card ever
// pads, so this uses the dedicated split path - spec.md §9).
func (c *Card) GetApplicationIDs() ([]uint32, error) {
	status, slots, err := c.ex.ExchangeSplitBySize(true, cmdGetApplicationIDs, nil, 4)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, newStatusErr(cmdGetApplicationIDs, status)
	}
	aids := make([]uint32, 0, len(slots)*4)
	for _, slot := range slots {
		n := int(slot[0])
		for off := 1; off+3 <= len(slot) && off-1 < n; off += 3 {
			aid, err := AIDFromBytes(slot[off : off+3])
			if err != nil {
				return nil, err
			}
			aids = append(aids, aid)
		}
	}
	return aids, nil
}

// GetDFNames lists every application's AID, ISO DF name, and ISO file ID,
// one variable-length record per application, via the split-by-size path.
type DFName struct {
	AID    uint32
	ISODFN []byte
	ISOFID uint16
}

func (c *Card) GetDFNames() ([]DFName, error) {
	status, slots, err := c.ex.ExchangeSplitBySize(true, cmdGetDFNames, nil, maxTxFrameLen+1)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, newStatusErr(cmdGetDFNames, status)
	}
	out := make([]DFName, 0, len(slots))
	for _, slot := range slots {
		n := int(slot[0])
		rec := slot[1 : 1+n]
		if len(rec) < 5 {
			return nil, newErr(KindUnexpectedRespLen, "GetDFNames record too short", nil)
		}
		aid, err := AIDFromBytes(rec[0:3])
		if err != nil {
			return nil, err
		}
		fid := uint16(rec[3]) | uint16(rec[4])<<8
		out = append(out, DFName{AID: aid, ISOFID: fid, ISODFN: append([]byte(nil), rec[5:]...)})
	}
	return out, nil
}

// GetVersion retrieves hardware/software version info and the card UID
// via the three-frame GetVersion/ADDITIONAL_FRAME/ADDITIONAL_FRAME chain
// (spec.md's supplemented feature list; grounded in the teacher's
// GetVersion, which runs the identical three-part exchange over ISO
// framing).
type VersionInfo struct {
	HWVendorID, HWType, HWSubType, HWMajorVer, HWMinorVer, HWStorageSize, HWProtocol byte
	SWVendorID, SWType, SWSubType, SWMajorVer, SWMinorVer, SWStorageSize, SWProtocol byte
	UID      []byte
	BatchNo  []byte
	FabKey   byte
	ProdYear byte
	ProdWeek byte
}

func (c *Card) GetVersion() (*VersionInfo, error) {
	status, resp1, err := c.ex.Exchange(true, cmdGetVersion, nil, false)
	if err != nil {
		return nil, err
	}
	if status != StatusAdditionalFrm || len(resp1) != 7 {
		return nil, newErr(KindUnexpectedRespLen, "GetVersion part 1 unexpected", nil)
	}
	status, resp2, err := c.ex.Exchange(false, cmdAdditionalFrame, nil, false)
	if err != nil {
		return nil, err
	}
	if status != StatusAdditionalFrm || len(resp2) != 7 {
		return nil, newErr(KindUnexpectedRespLen, "GetVersion part 2 unexpected", nil)
	}
	status, resp3, err := c.ex.Exchange(false, cmdAdditionalFrame, nil, false)
	if err != nil {
		return nil, err
	}
	if status != StatusOK || len(resp3) != 14 {
		return nil, newErr(KindUnexpectedRespLen, "GetVersion part 3 unexpected", nil)
	}
	return &VersionInfo{
		HWVendorID: resp1[0], HWType: resp1[1], HWSubType: resp1[2],
		HWMajorVer: resp1[3], HWMinorVer: resp1[4], HWStorageSize: resp1[5], HWProtocol: resp1[6],
		SWVendorID: resp2[0], SWType: resp2[1], SWSubType: resp2[2],
		SWMajorVer: resp2[3], SWMinorVer: resp2[4], SWStorageSize: resp2[5], SWProtocol: resp2[6],
		UID:      append([]byte(nil), resp3[0:7]...),
		BatchNo:  append([]byte(nil), resp3[7:12]...),
		FabKey:   resp3[12],
		ProdYear: resp3[13] >> 4,
		ProdWeek: resp3[13] & 0x0F,
	}, nil
}

// GetKeySettings returns the key settings byte and the max-keys/key-type
// nibble pair for the selected application.
func (c *Card) GetKeySettings() (settings byte, maxKeys byte, err error) {
	status, resp, err := c.ex.Exchange(true, cmdGetKeySettings, nil, false)
	if err != nil {
		return 0, 0, err
	}
	if status != StatusOK || len(resp) < 2 {
		return 0, 0, newErr(KindUnexpectedRespLen, "GetKeySettings unexpected response", nil)
	}
	return resp[0], resp[1], nil
}

// ChangeKeySettings sets the key-settings byte for the currently selected
// application, enciphered (CommModeFull) under the active channel.
func (c *Card) ChangeKeySettings(settings byte) error {
	_, err := c.exchange(false, cmdChangeKeySettings, nil, []byte{settings}, CommModeFull)
	return err
}

// GetKeyVersion returns the version byte of keyNo in the selected
// application.
func (c *Card) GetKeyVersion(keyNo byte) (byte, error) {
	status, resp, err := c.ex.Exchange(false, cmdGetKeyVersion, []byte{keyNo}, false)
	if err != nil {
		return 0, err
	}
	if status != StatusOK || len(resp) < 1 {
		return 0, newErr(KindUnexpectedRespLen, "GetKeyVersion unexpected response", nil)
	}
	return resp[0], nil
}

// ChangeKey rewrites keySlot's key material. newKey and oldKey must share
// newKey.Algorithm() == oldKey.Algorithm() for a cross-slot change; for a
// same-slot change (keySlot == the currently authenticated key slot)
// oldKey may be nil, since same-slot changes send the new key directly
// (no XOR, no CRC of the old key) and immediately invalidate the session
// (spec.md §4.3's key-change cryptogram law, grounded in the teacher's
// ChangeKey/ChangeKeySame split).
func (c *Card) ChangeKey(keySlot byte, newKey, oldKey *Key) error {
	if !c.sess.IsAuthenticated() {
		return newErr(KindNotAuthenticated, "ChangeKey requires an active session", nil)
	}
	sameSlot := keySlot == c.sess.KeyNo()

	var cryptogram []byte
	if sameSlot {
		cryptogram = append([]byte(nil), newKey.Bytes()...)
		if newKey.Algorithm() == AlgAES {
			cryptogram = append(cryptogram, newKey.VersionByte())
		}
		if c.sess.Variant() != ChannelEV2 {
			crc := keyChangeCRC(c.sess.Variant(), cmdChangeKey, keySlot, cryptogram)
			cryptogram = append(cryptogram, crc...)
		}
	} else {
		if oldKey == nil {
			return newErr(KindInvalidArgument, "cross-slot ChangeKey requires the previous key for XOR/CRC", nil)
		}
		nb, ob := newKey.Bytes(), oldKey.Bytes()
		if len(nb) != len(ob) {
			return newErr(KindInvalidArgument, "ChangeKey: new/old key length mismatch", nil)
		}
		xored := make([]byte, len(nb))
		for i := range nb {
			xored[i] = nb[i] ^ ob[i]
		}
		cryptogram = xored
		if newKey.Algorithm() == AlgAES {
			cryptogram = append(cryptogram, newKey.VersionByte())
		}
		crcNew := keyChangeCRC(c.sess.Variant(), cmdChangeKey, keySlot, newKey.Bytes())
		cryptogram = append(cryptogram, crcNew...)
		if c.sess.Variant() == ChannelD40 {
			crcOld := keyChangeCRC(c.sess.Variant(), cmdChangeKey, keySlot, oldKey.Bytes())
			cryptogram = append(cryptogram, crcOld...)
		}
	}

	wire, err := c.codec.EncodeKeyCryptogram(cmdChangeKey, []byte{keySlot}, cryptogram)
	if err != nil {
		return err
	}
	status, _, err := c.ex.Exchange(false, cmdChangeKey, wire, true)
	if sameSlot {
		// A same-slot key change always invalidates the session, success
		// or not: the authenticated key no longer matches what the card
		// now holds.
		c.sess.Clear()
	}
	if err != nil {
		return err
	}
	if status != StatusOK {
		return newStatusErr(cmdChangeKey, status)
	}
	slog.Debug("key changed", "slot", keySlot, "same_slot", sameSlot)
	return nil
}

// FormatPICC erases every application and file on the card, requiring
// PICC master key authentication.
func (c *Card) FormatPICC() error {
	status, _, err := c.ex.Exchange(false, cmdFormatPICC, nil, true)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return newStatusErr(cmdFormatPICC, status)
	}
	return nil
}

// SetConfiguration applies a PICC-level configuration option
// (option 0x00 toggles format/random-UID behavior, 0x01 sets the ATS,
// 0x02 sets the default key, per spec.md's supplemented feature list).
func (c *Card) SetConfiguration(option byte, data []byte) error {
	_, err := c.exchange(false, cmdSetConfiguration, []byte{option}, data, CommModeFull)
	return err
}

// ReadData reads length bytes at offset from a Standard/Backup data file
// under mode.
func (c *Card) ReadData(fileNo byte, offset, length int, mode CommMode) ([]byte, error) {
	header := []byte{fileNo, byte(offset), byte(offset >> 8), byte(offset >> 16),
		byte(length), byte(length >> 8), byte(length >> 16)}
	return c.exchange(false, cmdReadData, header, nil, mode)
}

// WriteData writes data at offset to a Standard/Backup data file under mode.
func (c *Card) WriteData(fileNo byte, offset int, data []byte, mode CommMode) error {
	header := []byte{fileNo, byte(offset), byte(offset >> 8), byte(offset >> 16),
		byte(len(data)), byte(len(data) >> 8), byte(len(data) >> 16)}
	_, err := c.exchange(false, cmdWriteData, header, data, mode)
	return err
}

// GetValue reads the signed 32-bit balance of a Value file under mode.
func (c *Card) GetValue(fileNo byte, mode CommMode) (int32, error) {
	resp, err := c.exchange(false, cmdGetValue, []byte{fileNo}, nil, mode)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, newErr(KindUnexpectedRespLen, "GetValue response too short", nil)
	}
	return int32(uint32(resp[0]) | uint32(resp[1])<<8 | uint32(resp[2])<<16 | uint32(resp[3])<<24), nil
}

// Credit increases a Value file's balance by amount (pending Commit).
func (c *Card) Credit(fileNo byte, amount uint32, mode CommMode) error {
	_, err := c.exchange(false, cmdCredit, []byte{fileNo}, le32(amount), mode)
	return err
}

// Debit decreases a Value file's balance by amount (pending Commit; does
// not require the file's free-Debit limited-credit access right).
func (c *Card) Debit(fileNo byte, amount uint32, mode CommMode) error {
	_, err := c.exchange(false, cmdDebit, []byte{fileNo}, le32(amount), mode)
	return err
}

// LimitedCredit increases a Value file's balance using the limited-credit
// access right (does not require the full Credit right).
func (c *Card) LimitedCredit(fileNo byte, amount uint32, mode CommMode) error {
	_, err := c.exchange(false, cmdLimitedCredit, []byte{fileNo}, le32(amount), mode)
	return err
}

// WriteRecord writes data at offset within the current record of a
// Linear/Cyclic Record file; the frame carries no record number.
func (c *Card) WriteRecord(fileNo byte, offset int, data []byte, mode CommMode) error {
	header := []byte{fileNo, byte(offset), byte(offset >> 8), byte(offset >> 16),
		byte(len(data)), byte(len(data) >> 8), byte(len(data) >> 16)}
	_, err := c.exchange(false, cmdWriteRecord, header, data, mode)
	return err
}

// ReadRecords reads recordCount records of recordSize bytes each,
// starting at recordNo (0 = most recent), via the split-by-size chained
// response.
func (c *Card) ReadRecords(fileNo byte, recordNo, recordCount, recordSize int, mode CommMode) ([][]byte, error) {
	header := []byte{fileNo, byte(recordNo), byte(recordNo >> 8), byte(recordNo >> 16),
		byte(recordCount), byte(recordCount >> 8), byte(recordCount >> 16)}
	payload, err := c.codec.Encode(cmdReadRecords, header, nil, mode)
	if err != nil {
		return nil, err
	}
	status, slots, err := c.ex.ExchangeSplitBySize(false, cmdReadRecords, payload, recordSize+1)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, newStatusErr(cmdReadRecords, status)
	}
	// The chained response is MACed/enciphered as one logical blob; decode
	// it back through the codec before re-slicing into per-record slots.
	flat := make([]byte, 0, len(slots)*recordSize)
	for _, s := range slots {
		flat = append(flat, s[1:1+int(s[0])]...)
	}
	decoded, err := c.codec.Decode(cmdReadRecords, status, flat, mode)
	if err != nil {
		return nil, err
	}
	records := make([][]byte, 0, recordCount)
	for off := 0; off+recordSize <= len(decoded); off += recordSize {
		records = append(records, decoded[off:off+recordSize])
	}
	return records, nil
}

// ClearRecordFile resets a Cyclic/Linear Record file to zero records.
func (c *Card) ClearRecordFile(fileNo byte) error {
	status, _, err := c.ex.Exchange(false, cmdClearRecordFile, []byte{fileNo}, true)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return newStatusErr(cmdClearRecordFile, status)
	}
	return nil
}

// CommitOptions controls the EV2 CommitTransaction flags (spec.md's
// supplemented feature list): EV2 cards accept an optional flag byte
// requesting the post-commit TMC/TMAC readback.
type CommitOptions struct {
	ReturnTMCAndTMAC bool
}

// CommitTransaction finalizes every pending Credit/Debit/Write/Record
// operation since the last Commit/Abort.
func (c *Card) CommitTransaction(opts CommitOptions) error {
	var data []byte
	if c.sess.Variant() == ChannelEV2 && opts.ReturnTMCAndTMAC {
		data = []byte{0x01}
	}
	status, _, err := c.ex.Exchange(false, cmdCommitTransaction, data, true)
	if err != nil {
		return err
	}
	if status != StatusOK && status != StatusNoChanges {
		return newStatusErr(cmdCommitTransaction, status)
	}
	return nil
}

// AbortTransaction discards every pending operation since the last Commit/Abort.
func (c *Card) AbortTransaction() error {
	status, _, err := c.ex.Exchange(false, cmdAbortTransaction, nil, true)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return newStatusErr(cmdAbortTransaction, status)
	}
	return nil
}

// le32 encodes v as 4 little-endian bytes.
func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// CreateApplication creates a new application with the given AID,
// key-settings byte, and max-keys/key-type nibble pair.
func (c *Card) CreateApplication(aid uint32, keySettings, keySettingsEx byte) error {
	data := append(AIDToBytes(aid), keySettings, keySettingsEx)
	status, _, err := c.ex.Exchange(false, cmdCreateApplication, data, true)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return newStatusErr(cmdCreateApplication, status)
	}
	return nil
}

// DeleteApplication deletes an application by AID, requiring PICC master
// key authentication.
func (c *Card) DeleteApplication(aid uint32) error {
	status, _, err := c.ex.Exchange(false, cmdDeleteApplication, AIDToBytes(aid), true)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return newStatusErr(cmdDeleteApplication, status)
	}
	return nil
}

// GetFileIDs lists every file number in the selected application.
func (c *Card) GetFileIDs() ([]byte, error) {
	status, resp, err := c.ex.Exchange(false, cmdGetFileIDs, nil, false)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, newStatusErr(cmdGetFileIDs, status)
	}
	return resp, nil
}

// GetFileSettings retrieves and decodes a file's settings, dispatching on
// the file-type byte to the right variable-layout parser (filesettings.go).
func (c *Card) GetFileSettings(fileNo byte) (*FileSettings, error) {
	status, resp, err := c.ex.Exchange(false, cmdGetFileSettings, []byte{fileNo}, false)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, newStatusErr(cmdGetFileSettings, status)
	}
	return ParseFileSettings(resp)
}

// ChangeFileSettings rewrites a file's comm mode and access rights.
func (c *Card) ChangeFileSettings(fileNo byte, fs *FileSettings) error {
	data := EncodeFileSettingsOptions(fs)
	_, err := c.exchange(false, cmdChangeFileSettings, []byte{fileNo}, data, CommModeFull)
	return err
}

// CreateFile creates a new file of the type fs.FileType describes, using
// the per-type wire layout filesettings.go encodes.
func (c *Card) CreateFile(fileNo byte, fs *FileSettings) error {
	var createCmd byte
	switch fs.FileType {
	case FileTypeStandard:
		createCmd = cmdCreateStdDataFile
	case FileTypeBackup:
		createCmd = cmdCreateBackupDataFile
	case FileTypeValue:
		createCmd = cmdCreateValueFile
	case FileTypeLinearRecord:
		createCmd = cmdCreateLinearRecFile
	case FileTypeCyclicRecord:
		createCmd = cmdCreateCyclicRecFile
	default:
		return newErr(KindInvalidArgument, fmt.Sprintf("unsupported file type 0x%02X for CreateFile", fs.FileType), nil)
	}
	data := EncodeCreateFileData(fs)
	status, _, err := c.ex.Exchange(false, createCmd, append([]byte{fileNo}, data...), true)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return newStatusErr(createCmd, status)
	}
	return nil
}

// DeleteFile deletes fileNo from the selected application.
func (c *Card) DeleteFile(fileNo byte) error {
	status, _, err := c.ex.Exchange(false, cmdDeleteFile, []byte{fileNo}, true)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return newStatusErr(cmdDeleteFile, status)
	}
	return nil
}
