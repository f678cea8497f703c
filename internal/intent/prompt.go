package intent

import (
	"fmt"
	"strings"

	"github.com/kalambet/strongbuy/internal/persona"
)

// Limits on analyzer results.
const (
	MaxCategories = 3
	MaxBrands     = 5
)

// personaBlock renders the persona context appended to analysis prompts.
// withCategories selects the category prompt's fields; the brand prompt
// lists behavioral brands instead.
func personaBlock(prof *persona.Profile, withCategories bool) string {
	if prof == nil || prof.Persona == nil {
		return ""
	}
	p := prof.Persona
	var sb strings.Builder
	sb.WriteString("\n\n用戶個人化信息：\n")
	fmt.Fprintf(&sb, "職業/角色：%s\n", p.Occupation)
	fmt.Fprintf(&sb, "描述：%s\n", p.Description)
	if withCategories && len(p.PreferredCategories) > 0 {
		fmt.Fprintf(&sb, "偏好分類：%s\n", strings.Join(p.PreferredCategories, "、"))
	}
	if len(p.PreferredKeywords) > 0 {
		fmt.Fprintf(&sb, "偏好關鍵字：%s\n", strings.Join(p.PreferredKeywords, "、"))
	}
	if withCategories {
		if top := prof.CategoryCounts.Top(3); len(top) > 0 {
			fmt.Fprintf(&sb, "用戶行為偏好分類：%s\n", strings.Join(top, "、"))
		}
	} else {
		if top := prof.BrandCounts.Top(5); len(top) > 0 {
			fmt.Fprintf(&sb, "用戶行為偏好品牌：%s\n", strings.Join(top, "、"))
		}
	}
	if top := prof.KeywordCounts.Top(5); len(top) > 0 {
		fmt.Fprintf(&sb, "用戶行為偏好關鍵字：%s\n", strings.Join(top, "、"))
	}
	return sb.String()
}

// CategoryPrompt builds the category analysis prompt.
func CategoryPrompt(query string, categories []string, prof *persona.Profile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "你是商品分類專家。請根據搜尋關鍵字「%s」，從以下分類中選出最相關的分類（最多 %d 個）。", query, MaxCategories)
	sb.WriteString(personaBlock(prof, true))
	fmt.Fprintf(&sb, "\n\n可用分類：%s\n\n", strings.Join(categories, "、"))
	sb.WriteString("分析規則：\n")
	sb.WriteString("1. 根據關鍵字的實際含義選擇分類\n")
	sb.WriteString("2. 如果關鍵字是產品特性（如「防水」、「防曬」），考慮該特性最常見的產品類別\n")
	sb.WriteString("3. 如果有用戶個人化信息，優先考慮用戶的偏好分類和關鍵字\n")
	sb.WriteString("4. 分類名稱必須完全匹配可用分類列表中的名稱\n")
	sb.WriteString("5. 如果無法確定，可以返回空陣列\n\n")
	sb.WriteString(`請以 JSON 格式回傳：{"categories": ["分類1", "分類2"], "reason": "說明原因"}`)
	return sb.String()
}

// BrandPrompt builds the brand analysis prompt. category may be empty.
func BrandPrompt(query, category string, brands []string, prof *persona.Profile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "根據以下搜尋關鍵字：「%s」", query)
	if category != "" {
		fmt.Fprintf(&sb, "和分類「%s」", category)
	}
	fmt.Fprintf(&sb, "，從以下品牌中選出最相關的品牌（最多 %d 個）。", MaxBrands)
	sb.WriteString(personaBlock(prof, false))
	fmt.Fprintf(&sb, "\n\n可用品牌列表：%s\n\n", strings.Join(brands, ", "))
	sb.WriteString("分析規則：\n")
	sb.WriteString("1. 根據搜尋關鍵字和分類選擇相關品牌\n")
	sb.WriteString("2. 如果有用戶個人化信息，優先考慮用戶的偏好品牌和關鍵字\n")
	sb.WriteString("3. 品牌名稱必須完全匹配可用品牌列表中的名稱\n")
	sb.WriteString("4. 如果無法確定，可以返回空陣列\n\n")
	sb.WriteString(`請以 JSON 格式回傳，格式如下：{"brands": ["品牌1", "品牌2"], "reason": "說明原因"}`)
	return sb.String()
}
