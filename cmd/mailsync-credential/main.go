// Command mailsync-credential stores or removes the account password in the
// system keyring, so the main binary never prompts.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to configuration file")
	remove := flag.Bool("remove", false, "remove the stored password instead of setting it")
	flag.Parse()

	if err := run(*configPath, *remove); err != nil {
		fmt.Fprintln(os.Stderr, "mailsync-credential:", err)
		os.Exit(1)
	}
}

func run(configPath string, remove bool) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Account.Host == "" || cfg.Account.Username == "" {
		return fmt.Errorf("account host and username must be set in %s", configPath)
	}

	key := credential.PasswordKey(cfg.Account.Username, cfg.Account.Host)

	if remove {
		if err := credential.Delete(key); err != nil {
			return err
		}
		fmt.Println("removed password for", key)
		return nil
	}

	fmt.Printf("password for %s@%s: ", cfg.Account.Username, cfg.Account.Host)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("empty password not stored")
	}

	if err := credential.Set(key, password); err != nil {
		return err
	}
	fmt.Println("stored password for", key)
	return nil
}
