package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"

	"github.com/barnettlynn/desfire"
	"github.com/barnettlynn/desfire/cmd/desfire-tool/internal/config"
)

// selectMenu renders items and lets the user pick one with the arrow
// keys and Enter, putting stdin into raw mode for the duration.
func selectMenu(prompt string, items []string) int {
	if len(items) == 0 {
		return -1
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting raw mode: %v\r\n", err)
		return -1
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	selected := 0
	fmt.Printf("%s\r\n", prompt)
	for i, item := range items {
		if i == selected {
			fmt.Printf("> %s\r\n", item)
		} else {
			fmt.Printf("  %s\r\n", item)
		}
	}

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			break
		}

		if n == 1 {
			switch buf[0] {
			case 0x0D, 0x0A:
				fmt.Printf("\r\n")
				return selected
			case 0x03:
				term.Restore(int(os.Stdin.Fd()), oldState)
				fmt.Printf("\r\n")
				os.Exit(0)
			}
		} else if n == 3 && buf[0] == 0x1B && buf[1] == '[' {
			needRedraw := false
			switch buf[2] {
			case 'A':
				if selected > 0 {
					selected--
					needRedraw = true
				}
			case 'B':
				if selected < len(items)-1 {
					selected++
					needRedraw = true
				}
			}
			if needRedraw {
				fmt.Printf("\033[%dA", len(items))
				for i, item := range items {
					fmt.Print("\033[2K\r")
					if i == selected {
						fmt.Printf("> %s\r\n", item)
					} else {
						fmt.Printf("  %s\r\n", item)
					}
				}
			}
		}
	}
	return selected
}

// runInteractive drives the top-level menu: read card version, select an
// application, authenticate against a configured key slot, and optionally
// change that slot's key.
func runInteractive(conn *desfire.PCSCConnection, cfg *config.Config) error {
	card := desfire.NewCard(conn, desfire.CommandSetNative)

	ver, err := card.GetVersion()
	if err != nil {
		return fmt.Errorf("GetVersion failed: %w", err)
	}
	fmt.Printf("UID: %s\n", strings.ToUpper(hex.EncodeToString(ver.UID)))
	fmt.Printf("HW: vendor=%02X type=%02X subtype=%02X ver=%d.%d\n",
		ver.HWVendorID, ver.HWType, ver.HWSubType, ver.HWMajorVer, ver.HWMinorVer)
	fmt.Printf("SW: vendor=%02X type=%02X subtype=%02X ver=%d.%d\n",
		ver.SWVendorID, ver.SWType, ver.SWSubType, ver.SWMajorVer, ver.SWMinorVer)
	fmt.Println()

	aids, err := card.GetApplicationIDs()
	if err != nil {
		return fmt.Errorf("GetApplicationIDs failed: %w", err)
	}
	aidItems := []string{"000000 (PICC master)"}
	aidValues := []uint32{desfire.PICCAID}
	for _, aid := range aids {
		aidItems = append(aidItems, fmt.Sprintf("%06X", aid))
		aidValues = append(aidValues, aid)
	}
	idx := selectMenu("Select application:", aidItems)
	if idx < 0 {
		return fmt.Errorf("no application selected")
	}
	if err := card.SelectApplication(aidValues[idx]); err != nil {
		return fmt.Errorf("SelectApplication failed: %w", err)
	}
	fmt.Printf("Selected AID %06X\n\n", aidValues[idx])

	labels := sortedKeyLabels(cfg)
	if len(labels) == 0 {
		fmt.Println("No key slots configured; nothing more to do.")
		return nil
	}
	keyIdx := selectMenu("Authenticate with which configured key?", labels)
	if keyIdx < 0 {
		return fmt.Errorf("no key selected")
	}
	label := labels[keyIdx]
	key, err := cfg.LoadKey(label)
	if err != nil {
		return fmt.Errorf("load key %q failed: %w", label, err)
	}
	slot := cfg.Keys[label].Slot

	if err := authenticateByAlgorithm(card, slot, key); err != nil {
		return fmt.Errorf("authentication with %q failed: %w", label, err)
	}
	fmt.Printf("Authenticated with %q (slot %d, variant %s)\n", label, slot, card.Session().Variant())

	fmt.Print("Change this slot's key now? (y/n): ")
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	if strings.ToLower(strings.TrimSpace(answer)) != "y" {
		fmt.Println("Done.")
		return nil
	}

	newLabels := labels
	newIdx := selectMenu("Replace with which configured key's bytes?", newLabels)
	if newIdx < 0 {
		return fmt.Errorf("no replacement key selected")
	}
	newKey, err := cfg.LoadKey(newLabels[newIdx])
	if err != nil {
		return fmt.Errorf("load replacement key failed: %w", err)
	}
	if err := card.ChangeKey(slot, newKey, key); err != nil {
		return fmt.Errorf("ChangeKey failed: %w", err)
	}
	fmt.Println("Key change successful!")
	return nil
}

// authenticateByAlgorithm picks the handshake matching key's cipher
// family: EV2-first for AES (the modern default), falling back to the
// legacy DES/3DES handshake for DES-family keys.
func authenticateByAlgorithm(card *desfire.Card, keyNo byte, key *desfire.Key) error {
	if key.Algorithm() == desfire.AlgAES {
		return card.AuthenticateEV2First(keyNo, key)
	}
	return card.AuthenticateLegacy(keyNo, key)
}

func sortedKeyLabels(cfg *config.Config) []string {
	labels := make([]string, 0, len(cfg.Keys))
	for label := range cfg.Keys {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
