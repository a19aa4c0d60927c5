/*
Package cli provides helpers shared by the spendgate commands.

Output Formatting:

Commands print either a human table or JSON:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, overrides); err != nil {
		return err
	}

Values implementing Tabular render as aligned columns in text mode.

Signal Handling:

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

Exit Codes:

ExitCode maps an error returned by a command to the process exit status.
*/
package cli
