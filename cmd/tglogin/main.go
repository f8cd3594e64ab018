// Command tglogin links a Telegram account to the HR app from a terminal: it
// saves the login QR code as a PNG, waits for the scan and asks for the
// cloud password when Telegram requires one.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hrslots/internal/config"
	appLog "hrslots/internal/log"
	"hrslots/internal/tgauth"
)

type options struct {
	baseURL      string
	csrfToken    string
	qrPath       string
	reset        bool
	interval     time.Duration
	fatalMarkers []string
}

func main() {
	var (
		configPath string
		opts       options
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&opts.baseURL, "url", "", "Auth API base URL (overrides telegram.base_url)")
	flag.StringVar(&opts.qrPath, "qr", "telegram-qr.png", "Where to save the QR code image")
	flag.BoolVar(&opts.reset, "reset", false, "Drop the current Telegram session before logging in")
	flag.Parse()

	conf, err := config.Load(configPath)
	if err == nil {
		err = conf.ApplyEnv()
	}
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", configPath)
		os.Exit(1)
	}
	appLog.Configure(os.Stderr, appLog.ParseLevel(conf.Log.Level), conf.Log.Format)

	if opts.baseURL == "" {
		opts.baseURL = conf.Telegram.BaseURL
	}
	opts.csrfToken = conf.Telegram.CSRFToken
	opts.interval = conf.Telegram.PollInterval
	opts.fatalMarkers = conf.Telegram.FatalMarkers

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Ошибка:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	if opts.baseURL == "" {
		return errors.New("telegram base URL is not configured")
	}
	client, err := tgauth.NewClient(opts.baseURL, tgauth.WithCSRFToken(opts.csrfToken))
	if err != nil {
		return err
	}

	if opts.reset {
		if err := client.Reset(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Сессия сброшена")
	}

	qr, err := client.GenerateQR(ctx)
	if err != nil {
		return err
	}
	if qr.Redirect {
		fmt.Fprintln(out, "Telegram уже подключен")
		return nil
	}
	if err := saveQR(qr.Image, opts.qrPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "QR-код сохранен в %s. Отсканируйте его в Telegram: Настройки > Устройства.\n", opts.qrPath)

	poller := tgauth.NewPoller(client,
		tgauth.WithInterval(opts.interval),
		tgauth.WithFatalMarkers(opts.fatalMarkers),
	)
	poller.Start(ctx, func(res tgauth.Result) {
		if res.Err != nil || res.Check.Status != tgauth.StatusTimeout {
			return
		}
		// The server lets QR codes expire; fetch a fresh one and keep polling.
		fresh, err := client.RecreateQR(ctx)
		if err != nil {
			appLog.Error("qr recreate failed", err)
			return
		}
		if err := saveQR(fresh.Image, opts.qrPath); err != nil {
			appLog.Error("qr save failed", err)
			return
		}
		fmt.Fprintln(out, "QR-код обновлен")
	})

	last, err := poller.Wait(ctx)
	if err != nil {
		poller.Stop()
		return err
	}
	if !last.Terminal {
		return ctx.Err()
	}

	switch last.Check.Status {
	case tgauth.StatusSuccess:
		fmt.Fprintf(out, "Подключено: %s\n", last.Check.User.DisplayName())
		return nil
	case tgauth.StatusTwoFactor:
		return submitPassword(ctx, client, in, out)
	default:
		return fmt.Errorf("авторизация не удалась: %s", last.Check.Error)
	}
}

// submitPassword asks for the cloud password until it is accepted or input
// ends.
func submitPassword(ctx context.Context, client *tgauth.Client, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Введите пароль двухфакторной аутентификации: ")
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return err
			}
			return errors.New("пароль не введен")
		}
		user, err := client.Submit2FA(ctx, sc.Text())
		if errors.Is(err, tgauth.ErrEmptyPassword) {
			fmt.Fprintln(out, "Введите пароль")
			continue
		}
		var apiErr *tgauth.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			fmt.Fprintln(out, strings.TrimSpace(apiErr.Message))
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Подключено: %s\n", user.DisplayName())
		return nil
	}
}

func saveQR(dataURL, path string) error {
	_, data, err := tgauth.DecodeQRImage(dataURL)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
