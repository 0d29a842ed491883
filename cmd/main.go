package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"perpexecutor/cmd/executor"
	"perpexecutor/src/security"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "Perp Executor CMD"
	app.Usage = "The perpetual futures executor command line interface"

	app.Commands = []cli.Command{
		executorCMD,
		encryptCredentialCMD,
		generateKeyCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	executorCMD = cli.Command{
		Name:        "executor",
		Usage:       "run Executor",
		Action:      executorAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the trading execution loop`,
	}
	encryptCredentialCMD = cli.Command{
		Name:        "encrypt-credential",
		Usage:       "seal an API credential for storage",
		Action:      encryptCredentialAction,
		ArgsUsage:   "<plaintext>",
		Flags:       []cli.Flag{},
		Description: `Encrypt an API key or secret with EXCHANGE_CREDENTIALS_KEY`,
	}
	generateKeyCMD = cli.Command{
		Name:        "generate-key",
		Usage:       "generate a fresh credentials key",
		Action:      generateKeyAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Generate a random key suitable for EXCHANGE_CREDENTIALS_KEY`,
	}
)

func executorAction(_ *cli.Context) error {

	logrus.Info("Starting executor CMD")

	e := &executor.Executor{}
	err := e.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func encryptCredentialAction(c *cli.Context) error {
	plaintext := c.Args().First()
	if plaintext == "" {
		return fmt.Errorf("usage: encrypt-credential <plaintext>")
	}

	sealed, err := security.EncryptString(plaintext)
	if err != nil {
		logrus.WithError(err).Error("Failed to encrypt credential")
		return err
	}

	fmt.Println(sealed)
	return nil
}

func generateKeyAction(_ *cli.Context) error {
	key, err := security.GenerateKey()
	if err != nil {
		logrus.WithError(err).Error("Failed to generate key")
		return err
	}

	fmt.Println(key)
	return nil
}
