package cli

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"market-tiers/internal/app"
)

var (
	simulateQuestion  string
	simulateCategory  string
	simulateEndsIn    time.Duration
	simulatePrice     float64
	simulateSize      float64
	simulateThreshold float64
	simulateMid       float64
	simulateNoBook    bool
	simulateAge       time.Duration
	simulateRepeat    int
	simulateScore     float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-trade",
	Short: "用一笔合成成交演练硬过滤与触发账本",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 || simulatePrice >= 1 {
			return errors.New("--price 必须在 0 与 1 之间")
		}

		opts := app.SimulateOptions{
			Question:  simulateQuestion,
			Category:  simulateCategory,
			EndsIn:    simulateEndsIn,
			Price:     decimal.NewFromFloat(simulatePrice),
			Size:      decimal.NewFromFloat(simulateSize),
			Threshold: decimal.NewFromFloat(simulateThreshold),
			Mid:       decimal.NewFromFloat(simulateMid),
			NoBook:    simulateNoBook,
			Age:       simulateAge,
			Repeat:    simulateRepeat,
			Score:     simulateScore,
		}
		_, err := getApp().SimulateTrade(cmd.Context(), opts)
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateQuestion, "question", "Will the proposal pass?", "市场问题文本")
	simulateCmd.Flags().StringVar(&simulateCategory, "category", "", "市场分类")
	simulateCmd.Flags().DurationVar(&simulateEndsIn, "ends-in", 7*24*time.Hour, "距离结算的时间")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "成交价")
	simulateCmd.Flags().Float64Var(&simulateSize, "size", 100, "成交量，0 表示未知")
	simulateCmd.Flags().Float64Var(&simulateThreshold, "threshold", 0, "策略阈值，默认等于成交价")
	simulateCmd.Flags().Float64Var(&simulateMid, "mid", 0, "盘口中间价，默认等于成交价")
	simulateCmd.Flags().BoolVar(&simulateNoBook, "no-book", false, "模拟盘口不可用")
	simulateCmd.Flags().DurationVar(&simulateAge, "age", 0, "成交距今时长")
	simulateCmd.Flags().IntVar(&simulateRepeat, "repeat", 1, "重复提交次数，用于观察去重")
	simulateCmd.Flags().Float64Var(&simulateScore, "score", 0.5, "模型分数")
}
