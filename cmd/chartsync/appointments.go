package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	chartsync "github.com/chartsync/chartsync/sdk/golang"
)

var (
	apptFilter chartsync.AppointmentFilter
	apptStatus string
	apptDraft  chartsync.AppointmentDraft
)

func init() {
	rootCmd.AddCommand(appointmentsCmd)
	appointmentsCmd.AddCommand(appointmentsListCmd)
	appointmentsCmd.AddCommand(appointmentsGetCmd)
	appointmentsCmd.AddCommand(appointmentsCreateCmd)
	appointmentsCmd.AddCommand(appointmentsCancelCmd)

	appointmentsListCmd.Flags().StringVar(&apptFilter.PatientID, "patient", "", "filter by patient id")
	appointmentsListCmd.Flags().StringVar(&apptFilter.ProviderID, "provider", "", "filter by provider id")
	appointmentsListCmd.Flags().StringVar(&apptStatus, "status", "", "filter by status (requested, confirmed, cancelled)")

	f := appointmentsCreateCmd.Flags()
	f.StringVar(&apptDraft.PatientID, "patient", "", "patient id")
	f.StringVar(&apptDraft.ProviderID, "provider", "", "provider id")
	f.StringVar(&apptDraft.SlotID, "slot", "", "availability slot id")
	f.StringVar(&apptDraft.StartsAt, "starts-at", "", "start time (RFC 3339)")
	f.StringVar(&apptDraft.EndsAt, "ends-at", "", "end time (RFC 3339)")
	f.StringVar(&apptDraft.Reason, "reason", "", "reason for the visit")
	_ = appointmentsCreateCmd.MarkFlagRequired("patient")
	_ = appointmentsCreateCmd.MarkFlagRequired("provider")
	_ = appointmentsCreateCmd.MarkFlagRequired("starts-at")
}

var appointmentsCmd = &cobra.Command{
	Use:     "appointments",
	Aliases: []string{"appt"},
	Short:   "Appointment scheduling",
}

var appointmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List appointments",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		apptFilter.Status = chartsync.AppointmentStatus(apptStatus)
		list, err := client.Appointments.List(ctx, apptFilter)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No appointments.")
			return nil
		}
		for _, a := range list {
			printAppointment(out, a)
		}
		return nil
	},
}

var appointmentsGetCmd = &cobra.Command{
	Use:   "get <appointment-id>",
	Short: "Show one appointment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		a, err := client.Appointments.Get(ctx, args[0])
		if errors.Is(err, chartsync.ErrNotFound) {
			return fmt.Errorf("appointment %s not found", args[0])
		}
		if err != nil {
			return err
		}
		printAppointment(out, a)
		return nil
	},
}

var appointmentsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Request an appointment (queued when offline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		a, err := client.Appointments.Create(ctx, apptDraft)
		if err != nil {
			return err
		}
		printAppointment(out, a)
		return nil
	},
}

var appointmentsCancelCmd = &cobra.Command{
	Use:   "cancel <appointment-id>",
	Short: "Cancel an appointment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		a, err := client.Appointments.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		printAppointment(out, a)
		return nil
	},
}

func printAppointment(out io.Writer, a chartsync.Appointment) {
	status := string(a.Status)
	switch a.Status {
	case chartsync.AppointmentConfirmed:
		status = green(status)
	case chartsync.AppointmentCancelled:
		status = red(status)
	default:
		status = yellow(status)
	}
	fmt.Fprintf(out, "%s  %s  patient=%s provider=%s  %s%s\n",
		cyan(a.ID), a.StartsAt, a.PatientID, a.ProviderID, status, syncedMarker(a.ID))
	if a.Reason != "" {
		fmt.Fprintf(out, "    %s\n", faint(a.Reason))
	}
}
