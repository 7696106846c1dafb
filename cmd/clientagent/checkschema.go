package main

import (
	"fmt"

	"github.com/otpgo/clientagent/caschema"
	"github.com/spf13/cobra"
)

func checkSchemaCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "check-schema <path>",
		Short: "Validate a schema file and print its classes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := caschema.Load(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "hash 0x%08x: %d classes, %d fields\n", s.Hash(), s.NumClasses(), s.NumFields())

			for c := range s.Classes() {
				if c.Parent != nil {
					fmt.Fprintf(out, "%d %s : %s\n", c.ID, c.Name, c.Parent.Name)
				} else {
					fmt.Fprintf(out, "%d %s\n", c.ID, c.Name)
				}
				if !verbose {
					continue
				}
				for f := range c.Fields() {
					fmt.Fprintf(out, "    %d %s [%s]\n", f.ID, f, f.Keywords)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also print every field")

	return cmd
}
