package app

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/1ureka/tmslink/internal/config"
	"github.com/1ureka/tmslink/internal/library"
	"github.com/1ureka/tmslink/internal/util"
)

// ListLibrary prints the recordings stored in cfg.LibraryDir, most recently
// received first.
func ListLibrary(cfg config.Config) error {
	lib, err := library.Open(cfg.LibraryDir, nil)
	if err != nil {
		return err
	}
	defer lib.Close()

	recs, err := lib.List()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		util.LogInfo("no recordings in %s", lib.Dir())
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(recordingTable(recs)).Render()
}

// DeleteFromLibrary removes one received recording. Its fileId is fetched
// again the next time the producer announces it.
func DeleteFromLibrary(cfg config.Config, id uint32) error {
	lib, err := library.Open(cfg.LibraryDir, nil)
	if err != nil {
		return err
	}
	defer lib.Close()

	if err := lib.Delete(id); err != nil {
		return fmt.Errorf("delete recording %d: %w", id, err)
	}
	util.LogSuccess("deleted recording %d from %s", id, lib.Dir())
	return nil
}

func recordingTable(recs []library.Recording) pterm.TableData {
	data := pterm.TableData{{"File ID", "Name", "Size", "SHA-256", "Received"}}
	for _, r := range recs {
		sum := r.SHA256
		if len(sum) > 12 {
			sum = sum[:12]
		}
		data = append(data, []string{
			strconv.FormatUint(uint64(r.FileID), 10),
			r.FileName,
			strconv.FormatInt(r.Size, 10),
			sum,
			r.ReceivedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return data
}
