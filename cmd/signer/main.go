package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ruteri/tee-biometric-signer/api/verifyhandler"
	"github.com/ruteri/tee-biometric-signer/biosign"
	"github.com/ruteri/tee-biometric-signer/cmd/flags"
	"github.com/ruteri/tee-biometric-signer/custodian"
	"github.com/ruteri/tee-biometric-signer/escrow"
	"github.com/ruteri/tee-biometric-signer/gate"
	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/urfave/cli/v2"
)

var SignerServiceLogFlag = flags.LogServiceFlagFn("signer")

var PayloadFlag = &cli.StringFlag{
	Name:     "payload",
	Usage:    "text to sign or verify",
	Required: true,
}

var TitleFlag = &cli.StringFlag{
	Name:  "title",
	Value: "Sign in",
	Usage: "prompt title",
}
var SubtitleFlag = &cli.StringFlag{
	Name:  "subtitle",
	Value: "Confirm it's you to continue",
	Usage: "prompt subtitle",
}
var DescriptionFlag = &cli.StringFlag{
	Name:  "description",
	Usage: "prompt description",
}

var PublicKeyFlag = &cli.StringFlag{
	Name:     "public-key",
	Usage:    "encoded public key, as printed by the pubkey command",
	Required: true,
}
var SignatureFlag = &cli.StringFlag{
	Name:     "signature",
	Usage:    "base64 signature",
	Required: true,
}
var RemoteFlag = &cli.StringFlag{
	Name:  "remote",
	Usage: "verify with a remote verify service at this base URL instead of locally",
}

var SharesFlag = &cli.IntFlag{
	Name:  "shares",
	Value: 5,
	Usage: "number of escrow shares to produce",
}
var ThresholdFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 3,
	Usage: "number of escrow shares needed to recover the passphrase",
}
var PassphraseEnvFlag = &cli.StringFlag{
	Name:  "passphrase-env",
	Value: "BIOSIGN_PASSPHRASE",
	Usage: "environment variable holding the sealing passphrase to escrow",
}

// signer bundles what the commands need.
type signer struct {
	log          *slog.Logger
	custodian    custodian.Custodian
	gate         *gate.PromptGate
	orchestrator *biosign.Orchestrator
}

func setup(cCtx *cli.Context) (*signer, error) {
	logger := flags.SetupLogger(cCtx)

	store, err := custodian.NewFromURI(cCtx.String(flags.CustodianFlag.Name), logger)
	if err != nil {
		logger.Error("Failed to create custodian", "err", err)
		return nil, err
	}

	enrollment, err := gate.LoadEnrollment(cCtx.String(flags.EnrollmentFlag.Name))
	if err != nil {
		logger.Debug("No usable enrollment, strong authentication unavailable", "err", err)
		enrollment = nil
	}

	g := gate.NewPromptGate(enrollment, os.Stdin, store, logger).WithPromptWriter(os.Stderr)

	alias, err := interfaces.NewKeyAlias(cCtx.String(flags.AliasFlag.Name))
	if err != nil {
		return nil, err
	}

	o, err := biosign.New(alias, store, g,
		biosign.WithLogger(logger),
		biosign.WithScheme(interfaces.Scheme(cCtx.String(flags.SchemeFlag.Name))),
		biosign.WithFailureLimit(cCtx.Int(flags.FailureLimitFlag.Name)),
	)
	if err != nil {
		return nil, err
	}

	return &signer{log: logger, custodian: store, gate: g, orchestrator: o}, nil
}

func (s *signer) Close() {
	s.gate.Close()
}

func prompt(cCtx *cli.Context) interfaces.PromptContext {
	return interfaces.PromptContext{
		Title:       cCtx.String(TitleFlag.Name),
		Subtitle:    cCtx.String(SubtitleFlag.Name),
		Description: cCtx.String(DescriptionFlag.Name),
	}
}

func main() {
	app := &cli.App{
		Name:   "biosign",
		Usage:  "Biometric-gated signing with custodian-held keys",
		Flags:  append([]cli.Flag{flags.ConfigFileFlag, SignerServiceLogFlag, flags.LogJsonFlag, flags.LogDebugFlag, flags.LogUidFlag}, flags.SignerFlags...),
		Before: flags.LoadConfigFile,
		Commands: []*cli.Command{
			{
				Name:   "enroll",
				Usage:  "Enroll a biometric sample read from stdin",
				Action: enroll,
			},
			{
				Name:   "keygen",
				Usage:  "Create the key pair, replacing an existing one",
				Flags:  []cli.Flag{TitleFlag, SubtitleFlag, DescriptionFlag},
				Action: keygen,
			},
			{
				Name:   "exists",
				Usage:  "Report whether the key pair exists",
				Action: exists,
			},
			{
				Name:   "delete",
				Usage:  "Delete the key pair",
				Action: deleteKey,
			},
			{
				Name:   "pubkey",
				Usage:  "Print the encoded public key",
				Action: pubkey,
			},
			{
				Name:   "sign",
				Usage:  "Sign a payload after biometric authentication on stdin",
				Flags:  []cli.Flag{PayloadFlag, TitleFlag, SubtitleFlag, DescriptionFlag},
				Action: sign,
			},
			{
				Name:   "verify",
				Usage:  "Verify a signature",
				Flags:  []cli.Flag{PublicKeyFlag, PayloadFlag, SignatureFlag, RemoteFlag},
				Action: verify,
			},
			{
				Name:  "escrow",
				Usage: "Split or check Shamir shares of the sealing passphrase",
				Subcommands: []*cli.Command{
					{
						Name:   "split",
						Usage:  "Print shares of the passphrase, one per line",
						Flags:  []cli.Flag{SharesFlag, ThresholdFlag, PassphraseEnvFlag},
						Action: escrowSplit,
					},
					{
						Name:   "check",
						Usage:  "Check that the shares on stdin recover the passphrase",
						Flags:  []cli.Flag{PassphraseEnvFlag},
						Action: escrowCheck,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func enroll(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	path := cCtx.String(flags.EnrollmentFlag.Name)

	reader := bufio.NewReader(os.Stdin)
	readSample := func(msg string) (string, error) {
		fmt.Fprintln(os.Stderr, msg)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read sample: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	first, err := readSample("Present sample:")
	if err != nil {
		return err
	}
	second, err := readSample("Present the same sample again:")
	if err != nil {
		return err
	}
	if first != second {
		return errors.New("samples do not match, enrollment aborted")
	}

	enrollment, err := gate.Enroll(first, gate.DefaultTemplateParams)
	if err != nil {
		return err
	}
	if err := enrollment.Save(path); err != nil {
		return err
	}

	logger.Info("Enrollment saved", "path", path)
	return nil
}

func keygen(cCtx *cli.Context) error {
	s, err := setup(cCtx)
	if err != nil {
		return err
	}
	defer s.Close()

	handle, err := s.orchestrator.CreateKeyPair(cCtx.Context, prompt(cCtx))
	if err != nil {
		return err
	}

	pub, err := s.orchestrator.EncodePublicKey(handle)
	if err != nil {
		return err
	}
	fmt.Println(pub)
	return nil
}

func exists(cCtx *cli.Context) error {
	s, err := setup(cCtx)
	if err != nil {
		return err
	}
	defer s.Close()

	existence, err := s.orchestrator.Exists(cCtx.Context)
	fmt.Println(existence)
	return err
}

func deleteKey(cCtx *cli.Context) error {
	s, err := setup(cCtx)
	if err != nil {
		return err
	}
	defer s.Close()

	deleted, err := s.orchestrator.DeleteKeyPair(cCtx.Context)
	if err != nil {
		return err
	}
	if !deleted {
		s.log.Info("No key pair to delete")
	}
	return nil
}

func pubkey(cCtx *cli.Context) error {
	s, err := setup(cCtx)
	if err != nil {
		return err
	}
	defer s.Close()

	handle, err := s.orchestrator.LoadKeyPair(cCtx.Context)
	if err != nil {
		return err
	}
	pub, err := s.orchestrator.EncodePublicKey(handle)
	if err != nil {
		return err
	}
	fmt.Println(pub)
	return nil
}

func sign(cCtx *cli.Context) error {
	s, err := setup(cCtx)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pending := s.orchestrator.RequestSignature(ctx, []byte(cCtx.String(PayloadFlag.Name)), prompt(cCtx))
	result, err := pending.Result()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func verify(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	pub := interfaces.PublicKeyEncoding(cCtx.String(PublicKeyFlag.Name))
	payload := cCtx.String(PayloadFlag.Name)
	signature, err := base64.StdEncoding.DecodeString(cCtx.String(SignatureFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	var valid bool
	if remote := cCtx.String(RemoteFlag.Name); remote != "" {
		logger.Debug("Verifying remotely", "url", remote)
		valid, err = verifyhandler.Verify(cCtx.Context, remote, pub, payload, signature)
		if err != nil {
			return err
		}
	} else {
		valid = verifyhandler.DefaultVerifier.Verify(pub, []byte(payload), signature)
	}

	if !valid {
		fmt.Println("invalid")
		return cli.Exit("", 1)
	}
	fmt.Println("valid")
	return nil
}

func escrowSplit(cCtx *cli.Context) error {
	envVar := cCtx.String(PassphraseEnvFlag.Name)
	passphrase := os.Getenv(envVar)
	if passphrase == "" {
		return fmt.Errorf("sealing passphrase not set in %s", envVar)
	}

	shares, err := escrow.Split([]byte(passphrase), cCtx.Int(SharesFlag.Name), cCtx.Int(ThresholdFlag.Name))
	if err != nil {
		return err
	}
	for _, share := range shares {
		fmt.Println(share)
	}
	return nil
}

// escrowCheck never prints the recovered passphrase, it only compares it
// with the one in the environment.
func escrowCheck(cCtx *cli.Context) error {
	envVar := cCtx.String(PassphraseEnvFlag.Name)
	passphrase := os.Getenv(envVar)
	if passphrase == "" {
		return fmt.Errorf("sealing passphrase not set in %s", envVar)
	}

	shares, err := escrow.ReadShares(os.Stdin)
	if err != nil {
		return err
	}
	recovered, err := escrow.Combine(shares)
	if err != nil {
		return err
	}
	if !bytes.Equal(recovered, []byte(passphrase)) {
		return errors.New("shares recover a different passphrase")
	}

	fmt.Println("ok")
	return nil
}
