package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/gotd/td/session"
	"github.com/gotd/td/session/tdesktop"
	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"

	"github.com/blockedby/groupscan/internal/config"
	"github.com/blockedby/groupscan/internal/database"
	"github.com/blockedby/groupscan/internal/logger"
	"github.com/blockedby/groupscan/internal/migrator"
	"github.com/blockedby/groupscan/internal/telegram"
	"github.com/blockedby/groupscan/migrations"
)

func main() {
	configPath := flag.String("config", "", "path to config.json")
	method := flag.String("method", "", "login method: tdata, phone or qr (asks when empty)")
	flag.Parse()

	_ = godotenv.Load()

	fmt.Println("=== groupscan account login ===")
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("load config", err)
	}
	if err := logger.Init("warn", ""); err != nil {
		fail("init logger", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reader := bufio.NewReader(os.Stdin)

	db, err := database.New(ctx, cfg.DSN(), database.WithMaxConns(2))
	if err != nil {
		fail("connect to database", err)
	}
	defer db.Close()

	m, err := migrator.NewWithFS(migrations.FS)
	if err != nil {
		fail("load migrations", err)
	}
	if err := m.Up(ctx, cfg.DSN()); err != nil {
		fail("run migrations", err)
	}

	manager := telegram.NewManager(telegram.AccountCredentials(cfg), db.GORM)
	if err := manager.Init(ctx); err != nil {
		fail("init telegram", err)
	}
	defer manager.Stop()

	if manager.GetStatus() == telegram.StatusReady {
		fmt.Println("a session is already stored and valid, nothing to do")
		printSelf(manager)
		return
	}

	tdataPath, accounts := detectTData(reader)
	if *method == "" {
		*method = chooseMethod(reader, len(accounts) > 0)
	}

	switch *method {
	case "tdata":
		if len(accounts) == 0 {
			fail("tdata login", fmt.Errorf("no telegram desktop session found at %s", tdataPath))
		}
		err = loginWithTData(ctx, manager, accounts, reader)
	case "qr":
		err = manager.StartQR(ctx, func(url string) {
			fmt.Println("\nscan this code in telegram: settings > devices > link desktop device")
			qrterminal.GenerateHalfBlock(url, qrterminal.L, os.Stdout)
		})
	default:
		err = loginWithPhone(ctx, manager, cfg.Telegram.PhoneNumber, reader)
	}
	if err != nil {
		fail("login", err)
	}

	fmt.Println("\n✓ authentication successful, session stored in the database")
	printSelf(manager)
}

func fail(step string, err error) {
	fmt.Printf("error: %s: %v\n", step, err)
	os.Exit(1)
}

func printSelf(m *telegram.Manager) {
	if self := m.Self(); self != nil {
		fmt.Printf("logged in as: @%s (id %d)\n", self.Username, self.ID)
	}
}

// telegramDesktopPath returns the default tdata directory for this OS.
func telegramDesktopPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Telegram Desktop", "tdata")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "Telegram Desktop", "tdata")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "TelegramDesktop", "tdata")
	}
}

func detectTData(reader *bufio.Reader) (string, []tdesktop.Account) {
	path := telegramDesktopPath()
	accounts, err := tdesktop.Read(path, nil)
	if err == nil && len(accounts) > 0 {
		fmt.Printf("detected %d telegram desktop session(s) at: %s\n", len(accounts), path)
		return path, accounts
	}

	fmt.Printf("telegram desktop data not found at %s\n", path)
	fmt.Print("enter telegram desktop path (or press enter to skip): ")
	custom, _ := reader.ReadString('\n')
	custom = strings.TrimSpace(custom)
	if custom == "" {
		return path, nil
	}
	if !strings.HasSuffix(custom, "tdata") {
		custom = filepath.Join(custom, "tdata")
	}
	accounts, err = tdesktop.Read(custom, nil)
	if err != nil {
		return custom, nil
	}
	return custom, accounts
}

func chooseMethod(reader *bufio.Reader, hasTData bool) string {
	fmt.Println("\nchoose authentication method:")
	if hasTData {
		fmt.Println("  1. import telegram desktop session (recommended)")
	}
	fmt.Println("  2. phone number and login code")
	fmt.Println("  3. QR code")
	fmt.Print("\nenter choice: ")

	choice, _ := reader.ReadString('\n')
	switch strings.TrimSpace(choice) {
	case "1":
		if hasTData {
			return "tdata"
		}
	case "3":
		return "qr"
	case "":
		if hasTData {
			return "tdata"
		}
	}
	return "phone"
}

func loginWithTData(ctx context.Context, m *telegram.Manager, accounts []tdesktop.Account, reader *bufio.Reader) error {
	idx := 0
	if len(accounts) > 1 {
		fmt.Printf("\nfound %d telegram accounts\n", len(accounts))
		fmt.Print("select account number [1]: ")
		choice, _ := reader.ReadString('\n')
		if n, err := strconv.Atoi(strings.TrimSpace(choice)); err == nil && n >= 1 && n <= len(accounts) {
			idx = n - 1
		}
	}

	data, err := session.TDesktopSession(accounts[idx])
	if err != nil {
		return fmt.Errorf("convert tdata: %w", err)
	}
	return m.ImportSession(ctx, data)
}

func loginWithPhone(ctx context.Context, m *telegram.Manager, phone string, reader *bufio.Reader) error {
	if phone == "" {
		fmt.Print("enter your phone number (with country code, e.g. +1234567890): ")
		phone, _ = reader.ReadString('\n')
		phone = strings.TrimSpace(phone)
	}
	fmt.Print("two-step verification password (enter if none): ")
	password, _ := reader.ReadString('\n')

	fmt.Println("\nauthenticating... (check telegram for the code)")
	return m.LoginPhone(ctx, phone, strings.TrimSpace(password), func(context.Context) (string, error) {
		fmt.Print("enter the code: ")
		code, err := reader.ReadString('\n')
		return strings.TrimSpace(code), err
	})
}
