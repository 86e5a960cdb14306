package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"indexed-twap/internal/app"
)

var (
	simulateWindows int
	simulateAlert   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在内存交易所上模拟多个窗口的 TWAP",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateWindows <= 0 {
			return errors.New("--windows 必须大于 0")
		}

		opts := app.SimulateOptions{
			Windows: simulateWindows,
			Alert:   simulateAlert,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateWindows, "windows", 24, "模拟的窗口数量")
	simulateCmd.Flags().BoolVar(&simulateAlert, "alert", false, "偏离超过阈值时通过已配置的通道发送告警")
}
