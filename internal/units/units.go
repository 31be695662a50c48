// Package units はプロバイダー固有の単位とアプリケーション共通の単位
// （マイル・分・フィート）の相互変換を提供する。
package units

const (
	metersPerMile = 1609.344
	metersPerFoot = 0.3048
	kmPerMile     = 1.609344
)

// MetersToMiles はメートルをマイルに変換する。
func MetersToMiles(m float64) float64 { return m / metersPerMile }

// MilesToMeters はマイルをメートルに変換する。
func MilesToMeters(mi float64) float64 { return mi * metersPerMile }

// KilometersToMiles はキロメートルをマイルに変換する。
func KilometersToMiles(km float64) float64 { return km / kmPerMile }

// MilesToKilometers はマイルをキロメートルに変換する。
func MilesToKilometers(mi float64) float64 { return mi * kmPerMile }

// MetersToFeet はメートルをフィートに変換する。
func MetersToFeet(m float64) float64 { return m / metersPerFoot }

// FeetToMeters はフィートをメートルに変換する。
func FeetToMeters(ft float64) float64 { return ft * metersPerFoot }

// SecondsToMinutes は秒を分に変換する。
func SecondsToMinutes(s float64) float64 { return s / 60 }

// MinutesToSeconds は分を秒に変換する。
func MinutesToSeconds(min float64) float64 { return min * 60 }

// MillisecondsToMinutes はミリ秒を分に変換する。
func MillisecondsToMinutes(ms float64) float64 { return ms / 60000 }

// MinutesToMilliseconds は分をミリ秒に変換する。
func MinutesToMilliseconds(min float64) float64 { return min * 60000 }

// MetersPerSecondToMinutesPerMile は速度（m/s）をペース（分/マイル）に変換する。
// 速度が0以下の場合は0を返す。
func MetersPerSecondToMinutesPerMile(mps float64) float64 {
	if mps <= 0 {
		return 0
	}
	return metersPerMile / mps / 60
}
