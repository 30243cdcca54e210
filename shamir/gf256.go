package shamir

// GF(2^8) arithmetic with the AES reduction polynomial x^8+x^4+x^3+x+1.
// Multiplication and division go through exp/log tables built from the
// generator 0x03.

const reductionPoly = 0x11b

var (
	expTable [510]byte
	logTable [256]byte
)

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		expTable[i] = x
		logTable[x] = byte(i)
		x ^= xtime(x) // x *= 3
	}
	for i := 255; i < len(expTable); i++ {
		expTable[i] = expTable[i-255]
	}
}

// xtime multiplies by x (0x02) modulo the reduction polynomial.
func xtime(a byte) byte {
	hi := a & 0x80
	a <<= 1
	if hi != 0 {
		a ^= reductionPoly & 0xff
	}
	return a
}

func gfAdd(a, b byte) byte {
	return a ^ b
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return expTable[int(logTable[a])+int(logTable[b])]
}

// gfDiv panics on division by zero; callers guarantee distinct non-zero x coordinates.
func gfDiv(a, b byte) byte {
	if b == 0 {
		panic("shamir: division by zero in GF(2^8)")
	}
	if a == 0 {
		return 0
	}
	return expTable[int(logTable[a])+255-int(logTable[b])]
}

func gfInv(a byte) byte {
	return gfDiv(1, a)
}

// evalPolynomial evaluates coeffs[0] + coeffs[1]x + ... at x using Horner's rule.
func evalPolynomial(coeffs []byte, x byte) byte {
	var y byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = gfAdd(gfMul(y, x), coeffs[i])
	}
	return y
}

// lagrangeBasisAtZero returns L_i(0) for every x coordinate in xs.
// In characteristic 2 subtraction is XOR, so L_i(0) = prod_{j!=i} x_j / (x_i ^ x_j).
func lagrangeBasisAtZero(xs []byte) []byte {
	basis := make([]byte, len(xs))
	for i, xi := range xs {
		num, den := byte(1), byte(1)
		for j, xj := range xs {
			if i == j {
				continue
			}
			num = gfMul(num, xj)
			den = gfMul(den, gfAdd(xi, xj))
		}
		basis[i] = gfDiv(num, den)
	}
	return basis
}
