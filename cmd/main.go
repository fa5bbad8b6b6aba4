/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/batchlane/batchlane"
	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/database"
	"github.com/batchlane/batchlane/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Batchlane represents the CLI application, encapsulating the root Cobra command.
type Batchlane struct {
	cmd *cobra.Command
}

// batchlaneInstance holds the service instance and its configuration so
// subcommands share a single wired-up service.
type batchlaneInstance struct {
	service *batchlane.Batchlane
	cnf     *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the service instance
// before running any command.
func preRun(app *batchlaneInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("batchlane.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newService, err := setupBatchlane(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.service = newService
		app.cnf = cnf

		return nil
	}
}

// setupBatchlane creates and initializes a new service instance based on the
// provided configuration.
func setupBatchlane(cfg *config.Configuration) (*batchlane.Batchlane, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newService, err := batchlane.NewBatchlane(db)
	if err != nil {
		return nil, fmt.Errorf("error creating batchlane: %v", err)
	}
	return newService, nil
}

// NewCLI creates the command-line interface for the batchlane application.
func NewCLI() *Batchlane {
	var configFile string
	b := &batchlaneInstance{}

	var rootCmd = &cobra.Command{
		Use:   "batchlane",
		Short: "Self-hosted batch orchestration for bulk LLM inference",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./batchlane.json", "Configuration file for batchlane")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))
	rootCmd.AddCommand(configCommands())

	return &Batchlane{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Batchlane) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
