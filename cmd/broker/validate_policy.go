package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sandrolain/mqtt-edgebroker/src/policy"
	"github.com/sandrolain/mqtt-edgebroker/src/security/validation"
)

var (
	policyFile      string
	policyDeviceID  string
	policyDefault   string
)

var validatePolicyCmd = &cobra.Command{
	Use:   "validate-policy",
	Short: "Load and validate a policy document, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		clean, err := validation.SanitizePath(policyFile)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(clean)
		if err != nil {
			return fmt.Errorf("reading %s: %w", clean, err)
		}
		if len(data) > validation.MaxConfigSize {
			return fmt.Errorf("%s exceeds maximum size of %d bytes", clean, validation.MaxConfigSize)
		}

		def, err := policy.DecodeDefinition(data)
		if err != nil {
			color.Red("document is structurally invalid: %v", err)
			return err
		}

		builder := policy.NewBuilder(def, policyDeviceID)
		if policyDefault == "allow" {
			builder.DefaultDecision = policy.DecisionAllowed
		}

		if _, err := builder.Build(); err != nil {
			color.Red("policy rejected: %v", err)
			return err
		}

		color.Green("policy OK: schemaVersion %s, %d statement(s)", def.SchemaVersion, len(def.Statements))
		return nil
	},
}

func init() {
	flags := validatePolicyCmd.Flags()
	flags.StringVarP(&policyFile, "file", "f", "", "path to the policy document to validate")
	flags.StringVar(&policyDeviceID, "device-id", "", "device id substituted for {{iot:this_device_id}}")
	flags.StringVar(&policyDefault, "default-decision", "deny", "default decision when no statement matches (allow|deny)")
	_ = validatePolicyCmd.MarkFlagRequired("file")
}
