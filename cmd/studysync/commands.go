package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/studysync/internal/adherence"
	"github.com/kalambet/studysync/internal/api"
	"github.com/kalambet/studysync/internal/config"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/participant"
)

func addStudyFlag(cmd *cobra.Command) {
	cmd.Flags().String("study", "", "study id (defaults to the participant's first study)")
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload pending adherence and pull the latest records",
	RunE: func(cmd *cobra.Command, args []string) error {
		study, _ := cmd.Flags().GetString("study")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := syncAdherence(cmd.Context(), client, study)
		if err != nil {
			return err
		}
		printSuccess("Uploaded %d, pulled %d of %d", res.Uploaded, res.Pulled, res.Total)
		if res.Retry > 0 || res.Failed > 0 {
			printWarning("%d records will be retried, %d were rejected", res.Retry, res.Failed)
		}
		return nil
	},
}

func syncAdherence(ctx context.Context, client *apiClient, study string) (adherence.SyncResult, error) {
	var res adherence.SyncResult
	resp, err := client.post(ctx, "/sync/adherence"+studyQuery(study), nil)
	if err != nil {
		return res, err
	}
	err = decodeJSON(resp, &res)
	return res, err
}

func init() {
	addStudyFlag(syncCmd)
}

// --- adherence ---

var adherenceCmd = &cobra.Command{
	Use:   "adherence",
	Short: "Inspect and record session adherence",
}

var adherenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached adherence records",
	RunE: func(cmd *cobra.Command, args []string) error {
		study, _ := cmd.Flags().GetString("study")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/adherence"+studyQuery(study))
		if err != nil {
			return err
		}
		var recs map[string][]models.AdherenceRecord
		if err := decodeJSON(resp, &recs); err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No adherence records cached.")
			return nil
		}
		writeAdherence(os.Stdout, recs)
		return nil
	},
}

// writeAdherence prints one line per record, ordered by instance and start.
func writeAdherence(w io.Writer, recs map[string][]models.AdherenceRecord) {
	guids := make([]string, 0, len(recs))
	for g := range recs {
		guids = append(guids, g)
	}
	slices.Sort(guids)
	for _, g := range guids {
		list := slices.Clone(recs[g])
		slices.SortFunc(list, func(a, b models.AdherenceRecord) int { return a.StartedOn.Compare(b.StartedOn) })
		for _, r := range list {
			state := "started"
			switch {
			case r.Declined != nil && *r.Declined:
				state = "declined"
			case r.FinishedOn != nil:
				state = "finished " + r.FinishedOn.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s  %s  %s\n",
				colorize(colorCyan, g),
				r.StartedOn.Local().Format(time.DateTime),
				state,
			)
		}
	}
}

var adherenceRecordCmd = &cobra.Command{
	Use:   "record <instanceGuid>",
	Short: "Record that a session instance was started, finished or declined",
	Long: `Record adherence for a scheduled session instance. The record is saved
locally and uploaded in the background.

Examples:
  studysync adherence record 7Xh2 --started 2024-03-14T09:00:00Z
  studysync adherence record 7Xh2 --started 2024-03-14T09:00:00Z --finished now
  studysync adherence record 7Xh2 --started now --declined`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		study, _ := cmd.Flags().GetString("study")
		started, _ := cmd.Flags().GetString("started")
		finished, _ := cmd.Flags().GetString("finished")
		declined, _ := cmd.Flags().GetBool("declined")
		eventTS, _ := cmd.Flags().GetString("event-timestamp")

		rec, err := buildRecord(args[0], started, finished, eventTS, declined, time.Now())
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/adherence"+studyQuery(study), rec)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Recorded %s in study %s", rec.InstanceGuid, result["study"])
		return nil
	},
}

// buildRecord assembles an adherence record from command-line values.
// Times are RFC 3339 or "now".
func buildRecord(guid, started, finished, eventTS string, declined bool, now time.Time) (models.AdherenceRecord, error) {
	rec := models.AdherenceRecord{
		InstanceGuid:   guid,
		EventTimestamp: eventTS,
		ClientTimeZone: now.Location().String(),
	}
	if started == "" {
		return rec, fmt.Errorf("--started is required")
	}
	var err error
	if rec.StartedOn, err = parseTimeFlag(started, now); err != nil {
		return rec, fmt.Errorf("--started: %w", err)
	}
	if finished != "" {
		t, err := parseTimeFlag(finished, now)
		if err != nil {
			return rec, fmt.Errorf("--finished: %w", err)
		}
		if t.Before(rec.StartedOn) {
			return rec, fmt.Errorf("--finished is before --started")
		}
		rec.FinishedOn = &t
	}
	if declined {
		rec.Declined = &declined
	}
	return rec, nil
}

func parseTimeFlag(s string, now time.Time) (time.Time, error) {
	if strings.EqualFold(s, "now") {
		return now.UTC().Truncate(time.Millisecond), nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

var adherenceMetadataCmd = &cobra.Command{
	Use:   "metadata <instanceGuid>",
	Short: "Print the upload metadata of a cached record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		study, _ := cmd.Flags().GetString("study")
		started, _ := cmd.Flags().GetString("started")
		if started == "" {
			return fmt.Errorf("--started is required")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"startedOn": {started}}
		if study != "" {
			q.Set("study", study)
		}
		resp, err := client.get(cmd.Context(), "/adherence/"+url.PathEscape(args[0])+"/metadata?"+q.Encode())
		if err != nil {
			return err
		}
		var meta map[string]json.RawMessage
		if err := decodeJSON(resp, &meta); err != nil {
			return err
		}
		return printJSON(os.Stdout, meta)
	},
}

var adherenceWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow cached adherence as it changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		study, _ := cmd.Flags().GetString("study")
		completed, _ := cmd.Flags().GetBool("completed")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return watchAdherence(cmd.Context(), client, study, completed, os.Stdout)
	},
}

// watchAdherence prints every adherence snapshot the server streams until
// ctx is done or the server goes away.
func watchAdherence(ctx context.Context, client *apiClient, study string, completed bool, w io.Writer) error {
	q := url.Values{}
	if study != "" {
		q.Set("study", study)
	}
	if completed {
		q.Set("completed", "true")
	}
	path := "/adherence/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return client.events(ctx, path, func(event string, data []byte) error {
		if event != "adherence" {
			return nil
		}
		var ev api.AdherenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decoding adherence event: %w", err)
		}
		fmt.Fprintf(w, "%s  study %s, %d sessions\n",
			colorize(colorBold, time.Now().Format(time.TimeOnly)), ev.Study, len(ev.Adherence))
		writeAdherence(w, ev.Adherence)
		return nil
	})
}

func init() {
	addStudyFlag(adherenceWatchCmd)
	adherenceWatchCmd.Flags().Bool("completed", false, "only show finished sessions")
	addStudyFlag(adherenceListCmd)
	addStudyFlag(adherenceRecordCmd)
	addStudyFlag(adherenceMetadataCmd)
	adherenceRecordCmd.Flags().String("started", "", "start time (RFC 3339 or \"now\")")
	adherenceRecordCmd.Flags().String("finished", "", "finish time (RFC 3339 or \"now\")")
	adherenceRecordCmd.Flags().Bool("declined", false, "the participant declined the session")
	adherenceRecordCmd.Flags().String("event-timestamp", "", "timestamp of the event the session is scheduled from")
	adherenceMetadataCmd.Flags().String("started", "", "start time of the record (RFC 3339)")
	adherenceCmd.AddCommand(adherenceListCmd, adherenceRecordCmd, adherenceMetadataCmd, adherenceWatchCmd)
}

// --- availability ---

var availabilityCmd = &cobra.Command{
	Use:   "availability",
	Short: "Show or set the participant's daily availability window",
}

var availabilityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the availability window",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/participant/availability")
		if err != nil {
			return err
		}
		var a models.UserAvailabilityWindow
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		printStatus("Wake", "%s", a.Wake)
		printStatus("Bed", "%s", a.Bed)
		return nil
	},
}

var availabilitySetCmd = &cobra.Command{
	Use:   "set <wake> <bed>",
	Short: "Set the availability window (HH:mm HH:mm)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		study, _ := cmd.Flags().GetString("study")
		w, err := parseAvailability(args[0], args[1])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/participant/availability"+studyQuery(study), w)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Availability set to %s-%s", w.Wake, w.Bed)
		return nil
	},
}

func parseAvailability(wake, bed string) (models.UserAvailabilityWindow, error) {
	var w models.UserAvailabilityWindow
	var err error
	if w.Wake, err = models.ParseLocalTime(wake); err != nil {
		return w, err
	}
	if w.Bed, err = models.ParseLocalTime(bed); err != nil {
		return w, err
	}
	if w.IsEmpty() {
		return w, fmt.Errorf("wake and bed times must differ")
	}
	return w, nil
}

func init() {
	addStudyFlag(availabilitySetCmd)
	availabilityCmd.AddCommand(availabilityShowCmd, availabilitySetCmd)
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the signed-in participant session",
}

var sessionImportCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Import a session obtained at sign-in (JSON)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening session file: %w", err)
			}
			defer f.Close()
			r = f
		}
		s, err := readSession(r)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/participant/session", s)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Signed in as %s (%d studies)", s.ID, len(s.StudyIDs))
		return nil
	},
}

func readSession(r io.Reader) (models.UserSessionInfo, error) {
	var s models.UserSessionInfo
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return s, fmt.Errorf("invalid session JSON: %w", err)
	}
	if s.ID == "" || s.SessionToken == "" {
		return s, fmt.Errorf("session must carry id and sessionToken")
	}
	return s, nil
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the participant session without credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/participant")
		if err != nil {
			return err
		}
		var s models.UserSessionInfo
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		return printJSON(os.Stdout, s)
	},
}

var sessionSignOutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out and drop every cached resource",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("Signing out deletes unsent local changes. Use --confirm to proceed.")
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/participant/session")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Signed out")
		return nil
	},
}

func init() {
	sessionSignOutCmd.Flags().Bool("confirm", false, "confirm sign out")
	sessionCmd.AddCommand(sessionImportCmd, sessionShowCmd, sessionSignOutCmd)
}

// --- schedule ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show the participant schedule with randomized start times",
	RunE: func(cmd *cobra.Command, args []string) error {
		study, _ := cmd.Flags().GetString("study")
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/schedule"+studyQuery(study))
		if err != nil {
			return err
		}
		var s models.ParticipantSchedule
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, s)
		}
		writeSchedule(os.Stdout, s)
		return nil
	},
}

func writeSchedule(w io.Writer, s models.ParticipantSchedule) {
	labels := make(map[string]string, len(s.Sessions))
	for _, info := range s.Sessions {
		labels[info.Guid] = info.Label
	}
	if len(s.Schedule) == 0 {
		fmt.Fprintln(w, "Nothing scheduled.")
		return
	}
	for _, ss := range s.Schedule {
		label := labels[ss.RefGuid]
		if label == "" {
			label = ss.RefGuid
		}
		fmt.Fprintf(w, "%s %s  %s  %s\n", ss.StartDate, ss.StartTime, colorize(colorBold, label), ss.InstanceGuid)
	}
}

func init() {
	addStudyFlag(scheduleCmd)
	scheduleCmd.Flags().Bool("json", false, "print the full schedule as JSON")
}

// --- pending ---

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List local changes that have not been uploaded",
	RunE: func(cmd *cobra.Command, args []string) error {
		study, _ := cmd.Flags().GetString("study")
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"limit": {fmt.Sprint(limit)}}
		if study != "" {
			q.Set("study", study)
		}
		resp, err := client.get(cmd.Context(), "/resources/dirty?"+q.Encode())
		if err != nil {
			return err
		}
		var dirty api.DirtyResponse
		if err := decodeJSON(resp, &dirty); err != nil {
			return err
		}
		writePending(os.Stdout, dirty)
		return nil
	},
}

func init() {
	addStudyFlag(pendingCmd)
	pendingCmd.Flags().Int("limit", 100, "maximum number of entries per kind")
}

// --- push ---

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload local edits of the participant record now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/participant/push", nil)
		if err != nil {
			return err
		}
		var out participant.PushOutcome
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		switch {
		case out.Pushed:
			printSuccess("Participant record uploaded")
		case out.Error != "":
			printWarning("Upload failed (%s): %s", out.Status, out.Error)
		default:
			printSuccess("Nothing to upload")
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
