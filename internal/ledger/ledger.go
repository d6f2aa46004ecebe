// Package ledger реализует расчёт комиссий по депозитам.
//
// Все суммы — целые звёзды. Комиссия округляется арифметически (half-up)
// для каждого депозита независимо, поэтому по множеству мелких депозитов
// возможен остаток округления в несколько звёзд — это ожидаемое поведение.
package ledger

import "github.com/ndolgushin/starsbuyer/internal/model"

// RoundHalfUp возвращает amount * rate, округлённое арифметически до целого.
func RoundHalfUp(amount int64, rate float64) int64 {
	v := float64(amount)*rate + 0.5
	if v < 0 {
		return 0
	}
	return int64(v)
}

// ProvisionalCommission вычисляет предварительную комиссию, удерживаемую при пополнении.
func ProvisionalCommission(amountGross int64, rate float64) int64 {
	return RoundHalfUp(amountGross, rate)
}

// FinalCommission вычисляет итоговую комиссию по реализованной части депозита.
func FinalCommission(realizedSpend int64, rate float64) int64 {
	return RoundHalfUp(realizedSpend, rate)
}

// Application описывает новое состояние одного депозита после реализации средств.
type Application struct {
	DepositID          int64
	RealizedSpend      int64
	CommissionFinal    int64
	RefundedCommission int64
}

// Realize распределяет потраченную сумму по депозитам пользователя в порядке
// их создания (FIFO): сначала полностью реализуются средства старых депозитов.
// Депозиты должны быть переданы отсортированными по времени создания.
// Возвращаются только изменившиеся депозиты.
func Realize(deposits []model.Deposit, amount int64) []Application {
	var apps []Application

	remain := amount
	for _, d := range deposits {
		if remain <= 0 {
			break
		}

		free := d.AmountGross - d.RealizedSpend
		use := min(free, remain)
		if use <= 0 {
			continue
		}

		realized := d.RealizedSpend + use
		final := FinalCommission(realized, d.CommissionRate)
		refunded := max(0, d.CommissionProvisional-final)

		apps = append(apps, Application{
			DepositID:          d.ID,
			RealizedSpend:      realized,
			CommissionFinal:    final,
			RefundedCommission: refunded,
		})

		remain -= use
	}

	return apps
}
