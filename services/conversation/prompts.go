// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/AleutianAI/AleutianCare/services/risk"
)

const sharedRules = `
You are not a clinician. Do not diagnose, and do not suggest changes to medication or treatment.
Use the available tools when details about the person's recent mood, sleep, assessments, coping strategies, triggers or past conversations would help. Never guess those details.
Keep replies short and conversational. Reply in the language with tag {{.Language}} unless the person writes in another language.
If the person mentions thoughts of harming themselves or others, encourage them to contact their care team or local emergency services right away.`

var promptTemplates = map[Kind]string{
	KindSupportive: `You are a warm, steady companion supporting {{.Name}} between visits with their mental-health care team.
Listen first, reflect what you hear, and offer one small, practical next step when it fits.` + sharedRules,

	KindPreVisit: `You are helping {{.Name}} prepare for an upcoming visit with their clinician.
Gently find out how things have been since the last visit and help them put the most important points into their own words, so they can share them at the appointment.` + sharedRules,
}

var compiledPrompts = func() map[Kind]*template.Template {
	out := make(map[Kind]*template.Template, len(promptTemplates))
	for kind, text := range promptTemplates {
		out[kind] = template.Must(template.New(string(kind)).Parse(text))
	}
	return out
}()

const (
	defaultLanguage = "en"
	unnamedSubject  = "the person"
)

// factsFromProfile keeps the first name only.
func factsFromProfile(firstName, language string) EssentialFacts {
	name := strings.TrimSpace(firstName)
	if fields := strings.Fields(name); len(fields) > 0 {
		name = fields[0]
	}
	return EssentialFacts{FirstName: name, PreferredLanguage: strings.TrimSpace(language)}
}

// SystemPrompt renders the kind-specific prompt with the essential facts.
func SystemPrompt(kind Kind, facts EssentialFacts) (string, error) {
	tmpl, ok := compiledPrompts[kind]
	if !ok {
		return "", fmt.Errorf("no prompt for conversation kind %q", kind)
	}
	data := struct{ Name, Language string }{Name: facts.FirstName, Language: facts.PreferredLanguage}
	if data.Name == "" {
		data.Name = unnamedSubject
	}
	if data.Language == "" {
		data.Language = defaultLanguage
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", kind, err)
	}
	return buf.String(), nil
}

// criticalCrisisText is shown for CRITICAL verdicts. It does not depend on
// the provider or on the subject profile.
const criticalCrisisText = `It sounds like you might be in immediate danger. Your safety matters right now.
Please call your local emergency number (such as 911, 112 or 999) or go to the nearest emergency department. If you can, stay with someone you trust until help arrives.
In the US you can call or text 988 (Suicide & Crisis Lifeline). Your care team has been notified.

Parece que podrías estar en peligro inmediato. Llama ahora al número de emergencias local (112 / 911) o acude a urgencias.
Il semble que vous soyez en danger immédiat. Appelez dès maintenant le numéro d'urgence local (112 / 15) ou rendez-vous aux urgences.
Es klingt, als wären Sie in akuter Gefahr. Rufen Sie jetzt den Notruf (112) an oder gehen Sie in die nächste Notaufnahme.
你现在可能处于危险之中。请立即拨打当地紧急电话（如 120 或 110），或前往最近的急诊室。
今、危険な状態にあるかもしれません。すぐに緊急番号（119 / 110）に電話するか、最寄りの救急外来へ行ってください。`

// highCrisisText is shown for HIGH verdicts.
const highCrisisText = `Thank you for telling me. What you are going through sounds really painful, and you do not have to face it alone.
Please reach out to your care team today, or contact a crisis line: in the US call or text 988; elsewhere, call your local emergency number (such as 112 or 999). If you feel you might act on these thoughts, call emergency services now.

Gracias por contármelo. Por favor, contacta hoy con tu equipo de atención o con una línea de crisis; si estás en peligro, llama al 112 / 911.
Merci de me l'avoir dit. Contactez aujourd'hui votre équipe de soins ou une ligne d'écoute; en cas de danger, appelez le 112 / 15.
Danke, dass Sie mir das sagen. Bitte wenden Sie sich heute an Ihr Behandlungsteam oder die Telefonseelsorge (0800 111 0 111); bei Gefahr rufen Sie 112.
谢谢你告诉我。请今天联系你的医护团队或心理危机热线；如有危险，请拨打 120 或 110。
話してくれてありがとうございます。今日中にケアチームか相談窓口に連絡してください。危険を感じたら 119 に電話してください。`

// fallbackText is returned when no reply could be generated.
const fallbackText = `I'm sorry, I can't respond properly right now. Please try again in a little while. If you need to talk to someone urgently, contact your care team or your local emergency number.

Lo siento, ahora mismo no puedo responder. Inténtalo de nuevo más tarde.
Désolé, je ne peux pas répondre pour le moment. Veuillez réessayer plus tard.
Entschuldigung, ich kann gerade nicht antworten. Bitte versuchen Sie es später erneut.
抱歉，我现在无法回复。请稍后再试。
申し訳ありません。現在お返事できません。しばらくしてからもう一度お試しください。`

// CrisisText returns the fixed crisis message for a crisis level.
func CrisisText(level risk.Level) string {
	if level >= risk.LevelCritical {
		return criticalCrisisText
	}
	return highCrisisText
}

// FallbackText returns the fixed reply used when generation is unavailable.
func FallbackText() string {
	return fallbackText
}
