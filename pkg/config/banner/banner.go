package banner

import (
	"fmt"
	"strings"

	"portalchat/pkg/config"
)

const banner = `
 ___  ___  ___ _____ _   _      ___ _  _   _ _____
| _ \/ _ \| _ \_   _/_\ | |    / __| || | /_\_   _|
|  _/ (_) |   / | |/ _ \| |__ | (__| __ |/ _ \| |
|_|  \___/|_|_\ |_/_/ \_\____| \___|_||_/_/ \_\_|
`

// PrintWithEff prints the banner using an EffectiveConfigResult which
// provides richer context (config, addr, dbpath, source).
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	addr := eff.Addr
	streamAddr := ""
	if eff.Config != nil {
		if addr == "" {
			addr = eff.Config.Addr()
		}
		streamAddr = eff.Config.StreamAddr()
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	if streamAddr != "" {
		fmt.Printf("Stream:   %s\n", streamAddr)
	}
	fmt.Printf("DB Path:  %s\n", eff.DBPath)
	fmt.Printf("Source:   %s\n", src)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Println(strings.Repeat("=", 63))
}
