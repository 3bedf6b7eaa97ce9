// Command smtpsinkd runs the minimal SMTP receiver standalone, delivering
// to the default mailbox sink. It takes no flags and no subcommands;
// configuration comes from an optional JSON file named by
// SMTPSINK_CONFIG, or from documented defaults if that's unset.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/kref/smtpsink/mailbox"
	"github.com/kref/smtpsink/smtp"
)

func main() {
	logger := logrus.StandardLogger()

	config, mailboxDir, err := smtp.LoadConfigFile(os.Getenv("SMTPSINK_CONFIG"))
	if err != nil {
		logger.WithError(err).Fatal("could not load configuration")
	}

	if mailboxDir == "" {
		mailboxDir = "mailboxes"
	}
	sink, err := mailbox.Open(mailboxDir)
	if err != nil {
		logger.WithError(err).Fatal("could not open mailbox sink")
	}
	config.Sink = sink
	config.Logger = logger

	srv := smtp.NewServer(config)
	if err := srv.ListenAndServe(); err != nil {
		logger.WithError(err).Fatal("smtp server stopped")
	}
}
